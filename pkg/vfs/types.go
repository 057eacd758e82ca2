package vfs

import (
	"syscall"
	"time"
)

type FileInfo struct {
	Name    string
	Size    int64
	Mode    uint32
	ModTime time.Time
	IsDir   bool
	Nlink   uint64
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Ino     uint64
	Blksize int64
	Blocks  int64
	Atime   time.Time
	Ctime   time.Time
}

func (fi *FileInfo) ToStat() syscall.Stat_t {
	st := syscall.Stat_t{
		Dev:  0,
		Ino:  fi.Ino,
		Mode: fi.Mode,
		Uid:  fi.Uid,
		Gid:  fi.Gid,
		Rdev: fi.Rdev,
		Size: fi.Size,
		Atim: syscall.Timespec{Sec: fi.Atime.Unix(), Nsec: int64(fi.Atime.Nanosecond())},
		Mtim: syscall.Timespec{Sec: fi.ModTime.Unix(), Nsec: int64(fi.ModTime.Nanosecond())},
		Ctim: syscall.Timespec{Sec: fi.Ctime.Unix(), Nsec: int64(fi.Ctime.Nanosecond())},
	}
	statSetNlink(&st, fi.Nlink)
	statSetBlksize(&st, fi.Blksize)
	st.Blocks = fi.Blocks
	return st
}

func FileInfoFromStat(name string, st *syscall.Stat_t) *FileInfo {
	return &FileInfo{
		Name:    name,
		Size:    st.Size,
		Mode:    st.Mode,
		ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		IsDir:   st.Mode&syscall.S_IFMT == syscall.S_IFDIR,
		Nlink:   uint64(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    st.Rdev,
		Ino:     st.Ino,
		Blksize: int64(st.Blksize),
		Blocks:  st.Blocks,
		Atime:   time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Ctime:   time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
	}
}

type DirEntry struct {
	Name   string
	Type   uint8
	Ino    uint64
	Offset int64
}

// Directory entry types, the d_type values getdents64 reports.
const (
	DTUnknown uint8 = 0
	DTFifo    uint8 = 1
	DTChr     uint8 = 2
	DTDir     uint8 = 4
	DTBlk     uint8 = 6
	DTReg     uint8 = 8
	DTLnk     uint8 = 10
	DTSock    uint8 = 12
)

type OpenFlags int

const (
	O_RDONLY  OpenFlags = syscall.O_RDONLY
	O_WRONLY  OpenFlags = syscall.O_WRONLY
	O_RDWR    OpenFlags = syscall.O_RDWR
	O_ACCMODE OpenFlags = 0x3

	O_APPEND    OpenFlags = syscall.O_APPEND
	O_CREAT     OpenFlags = syscall.O_CREAT
	O_EXCL      OpenFlags = syscall.O_EXCL
	O_TRUNC     OpenFlags = syscall.O_TRUNC
	O_NONBLOCK  OpenFlags = syscall.O_NONBLOCK
	O_DIRECTORY OpenFlags = syscall.O_DIRECTORY
	O_CLOEXEC   OpenFlags = syscall.O_CLOEXEC

	// Bionic's value. The Go syscall package defines O_LARGEFILE as 0
	// on linux/amd64 and linux/arm64, so it cannot be used here.
	O_LARGEFILE OpenFlags = 0x8000
)

func (f OpenFlags) IsWrite() bool {
	return f&O_ACCMODE == O_WRONLY || f&O_ACCMODE == O_RDWR
}

func (f OpenFlags) IsRead() bool {
	return f&O_ACCMODE == O_RDONLY || f&O_ACCMODE == O_RDWR
}

func (f OpenFlags) IsCreate() bool {
	return f&O_CREAT != 0
}

func (f OpenFlags) IsExcl() bool {
	return f&O_EXCL != 0
}

func (f OpenFlags) IsTrunc() bool {
	return f&O_TRUNC != 0
}

func (f OpenFlags) IsDirectory() bool {
	return f&O_DIRECTORY != 0
}

// IsPreopenEligible reports whether an open with these flags may be
// served from the preopen cache. Only O_LARGEFILE (ignored by Bionic)
// and O_CLOEXEC may accompany the read-only access mode; anything else
// disqualifies the open.
func (f OpenFlags) IsPreopenEligible() bool {
	return f&^(O_LARGEFILE|O_CLOEXEC) == 0
}

// WriteIntent reports whether the open mutates the file or the
// namespace, which is what preopen invalidation and the permission
// check care about.
func (f OpenFlags) WriteIntent() bool {
	return f.IsWrite() || f.IsCreate() || f.IsTrunc()
}

type StatfsInfo struct {
	Type    int64
	Bsize   int64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Fsid    [2]int32
	Namelen int64
	Frsize  int64
	Flags   int64
}

func (si *StatfsInfo) ToStatfs() syscall.Statfs_t {
	return syscall.Statfs_t{
		Type:    si.Type,
		Bsize:   si.Bsize,
		Blocks:  si.Blocks,
		Bfree:   si.Bfree,
		Bavail:  si.Bavail,
		Files:   si.Files,
		Ffree:   si.Ffree,
		Fsid:    syscall.Fsid{X__val: si.Fsid},
		Namelen: si.Namelen,
		Frsize:  si.Frsize,
		Flags:   si.Flags,
	}
}
