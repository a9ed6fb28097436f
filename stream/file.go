package stream

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// File is a scratch file holding run or slot data. It is created empty,
// written sequentially through a Writer, read back through Readers, and
// either truncated for reuse or removed when its owner is done.
type File struct {
	f    *os.File
	path string // empty for anonymous O_TMPFILE files
}

// NewTemp creates a scratch file in dir (os.TempDir() if empty).
// On Linux it first attempts an anonymous O_TMPFILE file, which the kernel
// removes automatically on close; otherwise it falls back to a named temp
// file that Remove unlinks explicitly.
func NewTemp(dir string) (*File, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	if f, err := openTmpFile(dir); err == nil {
		return &File{f: f}, nil
	}

	f, err := os.CreateTemp(dir, "tpie-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	return &File{f: f, path: f.Name()}, nil
}

// openTmpFile attempts to create an O_TMPFILE anonymous temp file.
// Returns an error on kernels or filesystems without O_TMPFILE support.
func openTmpFile(dir string) (*os.File, error) {
	const oTmpFile = 0o20000000 // Linux O_TMPFILE flag

	fd, err := unix.Open(dir, unix.O_RDWR|oTmpFile, 0600)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), ""), nil
}

// Size returns the current byte length of the file.
func (t *File) Size() (int64, error) {
	if t.f == nil {
		return 0, tpieerrors.ErrStreamClosed
	}
	fi, err := t.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate discards the file's contents so the slot or run index it backs
// can be reused.
func (t *File) Truncate() error {
	if t.f == nil {
		return tpieerrors.ErrStreamClosed
	}
	return t.f.Truncate(0)
}

// Allocate reserves size bytes of disk space up front and sets the file
// length to size. Used for slot files, whose final length is known before
// writing, so a full disk surfaces here instead of midway through a merge.
func (t *File) Allocate(size int64) error {
	if t.f == nil {
		return tpieerrors.ErrStreamClosed
	}
	return fallocateFile(t.f, size)
}

// adviseSequentialRead hints the kernel that the byte range will be read
// sequentially. Best-effort.
func (t *File) adviseSequentialRead(offset, length int64) {
	if t.f == nil {
		return
	}
	fadviseSequential(int(t.f.Fd()), offset, length)
}

// Remove releases the scratch file. Idempotent: nil-checks before operating
// and nils fields after, so error paths may call it again safely.
func (t *File) Remove() error {
	var errs []error

	if t.f != nil {
		if err := t.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close scratch file: %w", err))
		}
		t.f = nil
	}

	// Anonymous O_TMPFILE files vanish on close; only named fallbacks need
	// an explicit unlink.
	if t.path != "" {
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove scratch file: %w", err))
		}
		t.path = ""
	}

	return errors.Join(errs...)
}
