package main

import (
	"fmt"
	"os"
)

func main() {
	err := Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pakt: %v\n", err)
	}
	os.Exit(exitCode(err))
}
