// Package archive implements the package-archive pipeline: reading
// .deb containers, validating and staging their payload onto the
// filesystem with conflict resolution and crash-safe commit, and the
// configure, remove and purge operations over installed packages.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"strings"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/arthur-debert/pakt/pkg/control"
	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/errors"
)

// deb member names.
const (
	memberVersion = "debian-binary"
	memberControl = "control.tar"
	memberData    = "data.tar"
)

// Archive is one on-disk .deb file.
type Archive struct {
	Path string
}

// Entry is one payload item yielded by WalkData: a normalized path
// plus the metadata and content stream needed to stage it.
type Entry struct {
	Path     string // no leading "./", always begins with "/"
	Type     byte   // tar typeflag
	Mode     os.FileMode
	UID      int
	GID      int
	Size     int64
	ModTime  time.Time
	Linkname string
	Body     io.Reader
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Type == tar.TypeDir }

// ControlData is the parsed control member of an archive.
type ControlData struct {
	Name   string
	Arch   string
	Binary db.Binary
	Stanza *control.Stanza

	// Conffiles is the declared conffile path list.
	Conffiles []string

	// Files holds the raw control member files other than "control":
	// maintainer scripts, md5sums, triggers, conffiles.
	Files map[string][]byte
}

// Open wraps an archive path. The file is reopened per read pass.
func Open(path string) *Archive {
	return &Archive{Path: path}
}

// findMember positions an ar reader at the member with the given base
// name (any compression suffix), returning a decompressed reader.
func findMember(rd *ar.Reader, base string) (io.Reader, error) {
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			return nil, errors.Newf(errors.ErrArchiveFormat, "archive has no %s member", base)
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrArchiveRead, "reading archive member")
		}
		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
		if name == base {
			return rd, nil
		}
		for _, suffix := range []string{".gz", ".xz", ".zst", ""} {
			if name == base+suffix {
				return decompress(rd, suffix)
			}
		}
	}
}

func decompress(r io.Reader, suffix string) (io.Reader, error) {
	switch suffix {
	case "":
		return r, nil
	case ".gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrArchiveFormat, "opening gzip member")
		}
		return zr, nil
	case ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrArchiveFormat, "opening xz member")
		}
		return xr, nil
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrArchiveFormat, "opening zstd member")
		}
		return zr.IOReadCloser(), nil
	}
	return nil, errors.Newf(errors.ErrArchiveFormat, "unknown compression %q", suffix)
}

// open returns a fresh ar reader over the archive, verifying the
// debian-binary member.
func (a *Archive) open() (*os.File, *ar.Reader, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.ErrArchiveRead, "opening archive %s", a.Path)
	}
	rd := ar.NewReader(f)

	hdr, err := rd.Next()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, errors.ErrArchiveFormat, "%s is not an archive", a.Path)
	}
	if strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/") != memberVersion {
		f.Close()
		return nil, nil, errors.Newf(errors.ErrArchiveFormat,
			"%s: first member is %q, expected %s", a.Path, hdr.Name, memberVersion)
	}
	versionBytes, err := io.ReadAll(io.LimitReader(rd, 64))
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, errors.ErrArchiveRead, "reading format version")
	}
	if v := strings.TrimSpace(string(versionBytes)); !strings.HasPrefix(v, "2.") {
		f.Close()
		return nil, nil, errors.Newf(errors.ErrArchiveFormat, "%s: unsupported format version %q", a.Path, v)
	}
	return f, rd, nil
}

// ReadControl extracts and parses the control member.
func (a *Archive) ReadControl() (*ControlData, error) {
	f, rd, err := a.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	member, err := findMember(rd, memberControl)
	if err != nil {
		return nil, err
	}

	cd := &ControlData{Files: make(map[string][]byte)}
	tr := tar.NewReader(member)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrArchiveRead, "reading control member")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(strings.TrimPrefix(hdr.Name, "./"), "/")
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrArchiveRead, "reading control file %s", name)
		}
		cd.Files[name] = data
	}

	controlRaw, ok := cd.Files["control"]
	if !ok {
		return nil, errors.Newf(errors.ErrArchiveFormat, "%s has no control file", a.Path)
	}
	delete(cd.Files, "control")

	stanzas, err := control.ReadAll(bytes.NewReader(controlRaw), a.Path)
	if err != nil || len(stanzas) == 0 {
		return nil, errors.Wrapf(err, errors.ErrArchiveFormat, "%s: malformed control file", a.Path)
	}
	cd.Stanza = stanzas[0]

	var probe db.Package
	if err := db.DecodeStanza(cd.Stanza, &probe, &cd.Binary, false); err != nil {
		return nil, errors.Wrapf(err, errors.ErrArchiveFormat, "%s: control file", a.Path)
	}
	cd.Name = probe.Name
	cd.Arch = probe.Arch

	if raw, ok := cd.Files["conffiles"]; ok {
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				return nil, errors.Newf(errors.ErrArchiveFormat,
					"%s: conffile %q is not an absolute path", a.Path, line)
			}
			cd.Conffiles = append(cd.Conffiles, line)
		}
	}
	return cd, nil
}

// WalkData streams the payload entries through fn. Each entry's Body
// is only valid during the callback.
func (a *Archive) WalkData(fn func(Entry) error) error {
	f, rd, err := a.open()
	if err != nil {
		return err
	}
	defer f.Close()

	member, err := findMember(rd, memberData)
	if err != nil {
		return err
	}

	tr := tar.NewReader(member)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrArchiveRead, "reading data member")
		}
		name := strings.TrimPrefix(hdr.Name, ".")
		if name == "" || name == "/" {
			continue
		}
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		name = strings.TrimSuffix(name, "/")
		entry := Entry{
			Path:     name,
			Type:     hdr.Typeflag,
			Mode:     hdr.FileInfo().Mode(),
			UID:      hdr.Uid,
			GID:      hdr.Gid,
			Size:     hdr.Size,
			ModTime:  hdr.ModTime,
			Linkname: hdr.Linkname,
			Body:     tr,
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
