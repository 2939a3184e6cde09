// Package lock guards the admin directory with exclusive advisory
// file locks, so that at most one engine instance mutates the database
// at a time.
package lock

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/arthur-debert/pakt/pkg/errors"
)

// Lock is a held advisory lock on a sentinel file.
type Lock struct {
	file *os.File
}

// Acquire takes an exclusive non-blocking flock on path, creating the
// sentinel as needed. A second engine instance fails immediately with
// ErrDBLocked rather than queueing behind the first.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFileCreate, "opening lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, errors.Newf(errors.ErrDBLocked,
				"unable to lock %s: another instance is using it", path)
		}
		return nil, errors.Wrapf(err, errors.ErrDBLocked, "locking %s", path)
	}
	return &Lock{file: f}, nil
}

// Release drops the lock and closes the sentinel.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return cerr
}
