// Package control reads and writes RFC-822-style control stanzas: the
// format of the status file, the available file and package control
// files. Field names are case-insensitive, field order within a stanza
// is preserved for round-trips, and continuation lines begin with a
// space or tab.
package control

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Field is a single name/value pair. Multi-line values keep their
// embedded newlines; each line has had trailing whitespace trimmed.
type Field struct {
	Name  string
	Value string
}

// Stanza is an ordered list of fields with case-insensitive lookup.
type Stanza struct {
	fields []Field
	index  map[string]int
}

// NewStanza returns an empty stanza.
func NewStanza() *Stanza {
	return &Stanza{index: make(map[string]int)}
}

// Len returns the number of fields.
func (s *Stanza) Len() int {
	return len(s.fields)
}

// Fields returns the fields in input order. The slice is shared with
// the stanza and must not be mutated.
func (s *Stanza) Fields() []Field {
	return s.fields
}

// Get returns the value of the named field, or "" when absent.
func (s *Stanza) Get(name string) string {
	if i, ok := s.index[strings.ToLower(name)]; ok {
		return s.fields[i].Value
	}
	return ""
}

// Has reports whether the named field is present.
func (s *Stanza) Has(name string) bool {
	_, ok := s.index[strings.ToLower(name)]
	return ok
}

// Set replaces the named field's value, appending the field when it is
// not yet present. The original spelling of an existing name wins.
func (s *Stanza) Set(name, value string) {
	key := strings.ToLower(name)
	if i, ok := s.index[key]; ok {
		s.fields[i].Value = value
		return
	}
	s.index[key] = len(s.fields)
	s.fields = append(s.fields, Field{Name: name, Value: value})
}

// Delete removes the named field if present.
func (s *Stanza) Delete(name string) {
	key := strings.ToLower(name)
	i, ok := s.index[key]
	if !ok {
		return
	}
	s.fields = append(s.fields[:i], s.fields[i+1:]...)
	delete(s.index, key)
	for k, j := range s.index {
		if j > i {
			s.index[k] = j - 1
		}
	}
}

// add appends a field during parsing, rejecting duplicates.
func (s *Stanza) add(name, value string) error {
	key := strings.ToLower(name)
	if _, ok := s.index[key]; ok {
		return fmt.Errorf("duplicate field %q", name)
	}
	s.index[key] = len(s.fields)
	s.fields = append(s.fields, Field{Name: name, Value: value})
	return nil
}

// WriteTo writes the stanza in wire form, without a trailing blank
// line. Continuation lines of multi-line values are emitted with a
// single leading space; empty continuation lines become " .".
func (s *Stanza) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range s.fields {
		lines := strings.Split(f.Value, "\n")
		sep := ": "
		if lines[0] == "" {
			sep = ":"
		}
		n, err := fmt.Fprintf(w, "%s%s%s\n", f.Name, sep, lines[0])
		total += int64(n)
		if err != nil {
			return total, err
		}
		for _, line := range lines[1:] {
			if line == "" {
				line = "."
			}
			n, err = fmt.Fprintf(w, " %s\n", line)
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// String renders the stanza in wire form.
func (s *Stanza) String() string {
	var sb strings.Builder
	_, _ = s.WriteTo(&sb)
	return sb.String()
}

// ParseError carries the file and line context of a grammar fault.
type ParseError struct {
	File    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing file '%s' near line %d:\n %s", e.File, e.Line, e.Message)
}

// Reader streams stanzas from an input.
type Reader struct {
	scanner *bufio.Scanner
	file    string
	line    int
	eof     bool
}

// NewReader wraps r; name labels parse errors.
func NewReader(r io.Reader, name string) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{scanner: sc, file: name}
}

func (r *Reader) errf(format string, args ...interface{}) error {
	return &ParseError{File: r.file, Line: r.line, Message: fmt.Sprintf(format, args...)}
}

func (r *Reader) nextLine() (string, bool) {
	if r.eof {
		return "", false
	}
	if !r.scanner.Scan() {
		r.eof = true
		return "", false
	}
	r.line++
	return r.scanner.Text(), true
}

// Next returns the next stanza, or io.EOF when the input is exhausted.
func (r *Reader) Next() (*Stanza, error) {
	// Skip blank separator lines before the stanza.
	var line string
	var ok bool
	for {
		line, ok = r.nextLine()
		if !ok {
			if err := r.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	stanza := NewStanza()
	var name string
	var value strings.Builder

	flush := func() error {
		if name == "" {
			return nil
		}
		if err := stanza.add(name, value.String()); err != nil {
			return r.errf("%v", err)
		}
		name = ""
		value.Reset()
		return nil
	}

	for {
		if strings.TrimSpace(line) == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name == "" {
				return nil, r.errf("continuation line with no preceding field")
			}
			cont := strings.TrimRight(line[1:], " \t")
			if cont == "." {
				cont = ""
			}
			value.WriteByte('\n')
			value.WriteString(cont)
		} else {
			if err := flush(); err != nil {
				return nil, err
			}
			colon := strings.IndexByte(line, ':')
			if colon <= 0 {
				return nil, r.errf("line is neither a field nor a continuation: %q", line)
			}
			name = strings.TrimSpace(line[:colon])
			if strings.ContainsAny(name, " \t") {
				return nil, r.errf("field name %q contains whitespace", name)
			}
			value.WriteString(strings.TrimRight(strings.TrimLeft(line[colon+1:], " \t"), " \t"))
		}

		line, ok = r.nextLine()
		if !ok {
			break
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return stanza, nil
}

// ReadAll collects every stanza from r.
func ReadAll(rd io.Reader, name string) ([]*Stanza, error) {
	r := NewReader(rd, name)
	var out []*Stanza
	for {
		s, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

// WriteAll writes stanzas separated by single blank lines.
func WriteAll(w io.Writer, stanzas []*Stanza) error {
	for i, s := range stanzas {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := s.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}
