package vfs

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// errnoOf collapses any error into a syscall.Errno so handler and
// stream failures cross the dispatch boundary as plain errno values.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return errnoOf(pathErr.Err)
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, os.ErrInvalid):
		return syscall.EINVAL
	}
	return syscall.EIO
}
