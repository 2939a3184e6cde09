// Package testutil provides helpers shared by package tests, chiefly
// the synthetic .deb builder.
package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/stretchr/testify/require"
)

// DebSpec describes a synthetic package archive.
type DebSpec struct {
	Name      string
	Version   string
	Arch      string            // defaults to "all"
	Fields    map[string]string // extra control fields
	Files     map[string]string // absolute path -> content
	Conffiles []string
	Scripts   map[string]string // script name -> shell body (sans shebang)
	Triggers  string            // triggers control file content
}

// BuildDeb assembles a .deb under dir and returns its path.
func BuildDeb(t *testing.T, dir string, spec DebSpec) string {
	t.Helper()
	if spec.Arch == "" {
		spec.Arch = "all"
	}

	controlText := fmt.Sprintf("Package: %s\nVersion: %s\nArchitecture: %s\nMaintainer: Test <test@example.com>\nDescription: test package\n",
		spec.Name, spec.Version, spec.Arch)
	fieldNames := make([]string, 0, len(spec.Fields))
	for k := range spec.Fields {
		fieldNames = append(fieldNames, k)
	}
	sort.Strings(fieldNames)
	for _, k := range fieldNames {
		controlText += fmt.Sprintf("%s: %s\n", k, spec.Fields[k])
	}

	controlFiles := map[string][]byte{"control": []byte(controlText)}
	if len(spec.Conffiles) > 0 {
		var cf bytes.Buffer
		for _, path := range spec.Conffiles {
			fmt.Fprintln(&cf, path)
		}
		controlFiles["conffiles"] = cf.Bytes()
	}
	for name, body := range spec.Scripts {
		controlFiles[name] = []byte("#!/bin/sh\n" + body + "\n")
	}
	if spec.Triggers != "" {
		controlFiles["triggers"] = []byte(spec.Triggers)
	}

	controlTar := tarball(t, func(tw *tar.Writer) {
		names := make([]string, 0, len(controlFiles))
		for name := range controlFiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			writeTarFile(t, tw, "./"+name, controlFiles[name], 0755)
		}
	})

	dataTar := tarball(t, func(tw *tar.Writer) {
		dirs := map[string]bool{}
		for path := range spec.Files {
			for d := filepath.Dir(path); d != "/" && d != "."; d = filepath.Dir(d) {
				dirs[d] = true
			}
		}
		var sorted []string
		for d := range dirs {
			sorted = append(sorted, d)
		}
		sort.Strings(sorted) // parents sort before children
		for _, d := range sorted {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     "." + d + "/",
				Typeflag: tar.TypeDir,
				Mode:     0755,
				ModTime:  time.Now(),
			}))
		}
		paths := make([]string, 0, len(spec.Files))
		for path := range spec.Files {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			writeTarFile(t, tw, "."+path, []byte(spec.Files[path]), 0644)
		}
	})

	path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.deb", spec.Name, spec.Version, spec.Arch))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	aw := ar.NewWriter(f)
	require.NoError(t, aw.WriteGlobalHeader())
	writeArMember(t, aw, "debian-binary", []byte("2.0\n"))
	writeArMember(t, aw, "control.tar.gz", controlTar)
	writeArMember(t, aw, "data.tar.gz", dataTar)
	return path
}

func tarball(t *testing.T, fill func(*tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	fill(tw)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeTarFile(t *testing.T, tw *tar.Writer, name string, data []byte, mode int64) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
	}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

func writeArMember(t *testing.T, aw *ar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, aw.WriteHeader(&ar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}))
	_, err := aw.Write(data)
	require.NoError(t, err)
}
