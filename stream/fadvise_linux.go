//go:build linux

package stream

import "golang.org/x/sys/unix"

// fadviseSequential hints to the kernel that the byte range will be read
// sequentially. Applied before run and slot files are read back.
// Best-effort: errors are silently ignored.
func fadviseSequential(fd int, offset, length int64) {
	_ = unix.Fadvise(fd, offset, length, unix.FADV_SEQUENTIAL)
}
