// Package hostfs serves a mount prefix from a directory on the host
// filesystem. Writes are refused unless the config opts in.
package hostfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"ptl/pkg/vfs"

	"golang.org/x/sys/unix"
)

type Config struct {
	Root     string
	Writable bool
}

type FS struct {
	vfs.BaseHandler
	root     string
	writable bool
}

func New(cfg Config) *FS {
	return &FS{root: filepath.Clean(cfg.Root), writable: cfg.Writable}
}

func (fs *FS) realPath(path string) string {
	return filepath.Join(fs.root, path)
}

func (fs *FS) Stat(path string) (*vfs.FileInfo, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(fs.realPath(path), &st); err != nil {
		return nil, err
	}
	return vfs.FileInfoFromStat(filepath.Base(path), &st), nil
}

func (fs *FS) Open(path string, oflag vfs.OpenFlags, mode uint32) (vfs.Stream, error) {
	if oflag.WriteIntent() && !fs.writable {
		return nil, syscall.EROFS
	}
	real := fs.realPath(path)
	if fi, err := os.Stat(real); err == nil && fi.IsDir() {
		if oflag.IsWrite() {
			return nil, syscall.EISDIR
		}
		return vfs.NewDirStream(path, vfs.Permission{}, oflag, func() (vfs.DirIterator, error) {
			return fs.OnDirectoryContentsNeeded(path)
		}), nil
	}
	if oflag.IsDirectory() {
		return nil, syscall.ENOTDIR
	}
	f, err := os.OpenFile(real, int(oflag), os.FileMode(mode&0777))
	if err != nil {
		return nil, err
	}
	return &hostStream{
		BaseStream: vfs.NewBaseStream(path, vfs.Permission{}, oflag, "host"),
		f:          f,
	}, nil
}

func (fs *FS) Mkdir(path string, mode uint32) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return syscall.Mkdir(fs.realPath(path), mode)
}

func (fs *FS) Rmdir(path string) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return syscall.Rmdir(fs.realPath(path))
}

func (fs *FS) Unlink(path string) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return syscall.Unlink(fs.realPath(path))
}

func (fs *FS) Remove(path string) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return os.Remove(fs.realPath(path))
}

func (fs *FS) Rename(oldpath, newpath string) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return syscall.Rename(fs.realPath(oldpath), fs.realPath(newpath))
}

func (fs *FS) Truncate(path string, length int64) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return syscall.Truncate(fs.realPath(path), length)
}

func (fs *FS) Utimes(path string, atime, mtime time.Time) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return os.Chtimes(fs.realPath(path), atime, mtime)
}

func (fs *FS) Readlink(path string) (string, error) {
	return os.Readlink(fs.realPath(path))
}

func (fs *FS) Symlink(target, linkpath string) error {
	if !fs.writable {
		return syscall.EROFS
	}
	return syscall.Symlink(target, fs.realPath(linkpath))
}

func (fs *FS) Statfs(path string) (*vfs.StatfsInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(fs.realPath(path), &st); err != nil {
		return nil, err
	}
	return &vfs.StatfsInfo{
		Type:    st.Type,
		Bsize:   st.Bsize,
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Fsid:    st.Fsid.X__val,
		Namelen: st.Namelen,
		Frsize:  st.Frsize,
		Flags:   st.Flags,
	}, nil
}

func (fs *FS) OnDirectoryContentsNeeded(path string) (vfs.DirIterator, error) {
	entries, err := os.ReadDir(fs.realPath(path))
	if err != nil {
		return nil, err
	}
	result := make([]vfs.DirEntry, 0, len(entries))
	for i, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		st := info.Sys().(*syscall.Stat_t)
		result = append(result, vfs.DirEntry{
			Name:   e.Name(),
			Type:   uint8(st.Mode >> 12),
			Ino:    st.Ino,
			Offset: int64(i + 1),
		})
	}
	return vfs.NewDirIterator(result), nil
}

var _ vfs.Handler = (*FS)(nil)

// hostStream delegates to the real file. Memory mapping only needs an
// acknowledged address: the host runtime owns the actual pages.
type hostStream struct {
	vfs.BaseStream
	f *os.File
}

func (s *hostStream) Read(b []byte) (int, error) {
	n, err := s.f.Read(b)
	if err != nil && n == 0 {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, hostErrno(err)
	}
	return n, nil
}

func (s *hostStream) Write(b []byte) (int, error) {
	n, err := s.f.Write(b)
	if err != nil {
		return n, hostErrno(err)
	}
	return n, nil
}

func (s *hostStream) Pread(b []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(b, off)
	if err != nil && n == 0 {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, hostErrno(err)
	}
	return n, nil
}

func (s *hostStream) Pwrite(b []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(b, off)
	if err != nil {
		return n, hostErrno(err)
	}
	return n, nil
}

func (s *hostStream) Lseek(off int64, whence int) (int64, error) {
	pos, err := s.f.Seek(off, whence)
	if err != nil {
		return -1, hostErrno(err)
	}
	return pos, nil
}

func (s *hostStream) Fstat() (*vfs.FileInfo, error) {
	var st syscall.Stat_t
	if err := syscall.Fstat(int(s.f.Fd()), &st); err != nil {
		return nil, err
	}
	return vfs.FileInfoFromStat(filepath.Base(s.Pathname()), &st), nil
}

func (s *hostStream) Fstatfs() (*vfs.StatfsInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Fstatfs(int(s.f.Fd()), &st); err != nil {
		return nil, err
	}
	return &vfs.StatfsInfo{
		Type:    st.Type,
		Bsize:   st.Bsize,
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Fsid:    st.Fsid.X__val,
		Namelen: st.Namelen,
		Frsize:  st.Frsize,
		Flags:   st.Flags,
	}, nil
}

func (s *hostStream) Ftruncate(length int64) error {
	return hostErrno(s.f.Truncate(length))
}

func (s *hostStream) Fsync() error { return hostErrno(s.f.Sync()) }

func (s *hostStream) Fdatasync() error {
	return unix.Fdatasync(int(s.f.Fd()))
}

func (s *hostStream) Mmap(addr uintptr, length uintptr, prot int, flags int, off int64) (uintptr, error) {
	return addr, nil
}

func (s *hostStream) Munmap(addr uintptr, length uintptr) error { return nil }

func (s *hostStream) Mprotect(addr uintptr, length uintptr, prot int) error { return nil }

func (s *hostStream) IsSelectReadReady() bool { return true }

func (s *hostStream) IsSelectWriteReady() bool { return true }

func (s *hostStream) PollEvents() int16 { return unix.POLLIN | unix.POLLOUT }

func (s *hostStream) Close() error { return s.f.Close() }

func hostErrno(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	return err
}
