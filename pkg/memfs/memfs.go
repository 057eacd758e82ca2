// Package memfs implements an in-memory Handler backed by a node
// tree. It is the default backend for tests and the demo binary.
package memfs

import (
	"strings"
	"sync"
	"syscall"
	"time"

	"ptl/pkg/vfs"
)

const tmpfsMagic = 0x01021994

type node struct {
	name     string
	mode     uint32
	data     []byte
	target   string // symlink target
	children map[string]*node
	modTime  time.Time
	atime    time.Time
	ctime    time.Time
}

func (n *node) isDir() bool {
	return n.mode&syscall.S_IFMT == syscall.S_IFDIR
}

func (n *node) isSymlink() bool {
	return n.mode&syscall.S_IFMT == syscall.S_IFLNK
}

type Config struct {
	WorldWritable bool
}

type FS struct {
	vfs.BaseHandler
	mu            sync.Mutex
	root          *node
	worldWritable bool
}

func New(cfg Config) *FS {
	now := time.Now()
	return &FS{
		root: &node{
			name:     "/",
			mode:     syscall.S_IFDIR | 0755,
			children: make(map[string]*node),
			modTime:  now,
			atime:    now,
			ctime:    now,
		},
		worldWritable: cfg.WorldWritable,
	}
}

func split(path string) []string {
	var comps []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			comps = append(comps, c)
		}
	}
	return comps
}

// walk finds the node for a normalized path. Intermediate non-
// directories report ENOTDIR, except symlinks, which report ENOENT; a
// missing component reports ENOENT.
func (fs *FS) walk(path string) (*node, error) {
	n := fs.root
	comps := split(path)
	for i, c := range comps {
		if !n.isDir() {
			return nil, syscall.ENOTDIR
		}
		child, ok := n.children[c]
		if !ok {
			return nil, syscall.ENOENT
		}
		if i < len(comps)-1 && !child.isDir() {
			if child.isSymlink() {
				return nil, syscall.ENOENT
			}
			return nil, syscall.ENOTDIR
		}
		n = child
	}
	return n, nil
}

// walkParent finds the directory that would contain path's last
// component.
func (fs *FS) walkParent(path string) (*node, string, error) {
	comps := split(path)
	if len(comps) == 0 {
		return nil, "", syscall.EEXIST
	}
	base := comps[len(comps)-1]
	n := fs.root
	for _, c := range comps[:len(comps)-1] {
		child, ok := n.children[c]
		if !ok {
			return nil, "", syscall.ENOENT
		}
		if !child.isDir() {
			return nil, "", syscall.ENOTDIR
		}
		n = child
	}
	return n, base, nil
}

func (fs *FS) info(name string, n *node) *vfs.FileInfo {
	size := int64(len(n.data))
	if n.isSymlink() {
		size = int64(len(n.target))
	}
	nlink := uint64(1)
	if n.isDir() {
		nlink = uint64(2 + len(n.children))
	}
	return &vfs.FileInfo{
		Name:    name,
		Size:    size,
		Mode:    n.mode,
		ModTime: n.modTime,
		IsDir:   n.isDir(),
		Nlink:   nlink,
		Blksize: 4096,
		Blocks:  (size + 511) / 512,
		Atime:   n.atime,
		Ctime:   n.ctime,
	}
}

func (fs *FS) Stat(path string) (*vfs.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		return nil, err
	}
	return fs.info(pathBase(path), n), nil
}

func (fs *FS) Open(path string, oflag vfs.OpenFlags, mode uint32) (vfs.Stream, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		if err == syscall.ENOENT && oflag.IsCreate() {
			parent, base, perr := fs.walkParent(path)
			if perr != nil {
				return nil, perr
			}
			now := time.Now()
			n = &node{
				name:    base,
				mode:    syscall.S_IFREG | (mode & 0777),
				modTime: now,
				atime:   now,
				ctime:   now,
			}
			parent.children[base] = n
			parent.modTime = now
		} else {
			return nil, err
		}
	} else if oflag.IsCreate() && oflag.IsExcl() {
		return nil, syscall.EEXIST
	}

	if n.isDir() {
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
	if oflag.IsTrunc() && oflag.IsWrite() {
		n.data = nil
		n.modTime = time.Now()
	}
	return &fileStream{
		BaseStream: vfs.NewBaseStream(path, vfs.Permission{}, oflag, "memfs"),
		fs:         fs,
		node:       n,
	}, nil
}

func (fs *FS) Mkdir(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.walk(path); err == nil {
		return syscall.EEXIST
	}
	parent, base, err := fs.walkParent(path)
	if err != nil {
		return err
	}
	now := time.Now()
	parent.children[base] = &node{
		name:     base,
		mode:     syscall.S_IFDIR | (mode & 0777),
		children: make(map[string]*node),
		modTime:  now,
		atime:    now,
		ctime:    now,
	}
	parent.modTime = now
	return nil
}

func (fs *FS) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, base, err := fs.walkParent(path)
	if err != nil {
		return err
	}
	n, ok := parent.children[base]
	if !ok {
		return syscall.ENOENT
	}
	if !n.isDir() {
		return syscall.ENOTDIR
	}
	if len(n.children) > 0 {
		return syscall.ENOTEMPTY
	}
	delete(parent.children, base)
	parent.modTime = time.Now()
	return nil
}

func (fs *FS) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, base, err := fs.walkParent(path)
	if err != nil {
		return err
	}
	n, ok := parent.children[base]
	if !ok {
		return syscall.ENOENT
	}
	if n.isDir() {
		return syscall.EISDIR
	}
	delete(parent.children, base)
	parent.modTime = time.Now()
	return nil
}

func (fs *FS) Remove(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, base, err := fs.walkParent(path)
	if err != nil {
		return err
	}
	n, ok := parent.children[base]
	if !ok {
		return syscall.ENOENT
	}
	if n.isDir() && len(n.children) > 0 {
		return syscall.ENOTEMPTY
	}
	delete(parent.children, base)
	parent.modTime = time.Now()
	return nil
}

func (fs *FS) Rename(oldpath, newpath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParent, oldBase, err := fs.walkParent(oldpath)
	if err != nil {
		return err
	}
	n, ok := oldParent.children[oldBase]
	if !ok {
		return syscall.ENOENT
	}
	newParent, newBase, err := fs.walkParent(newpath)
	if err != nil {
		return err
	}
	if existing, ok := newParent.children[newBase]; ok {
		if existing.isDir() {
			if !n.isDir() {
				return syscall.EISDIR
			}
			if len(existing.children) > 0 {
				return syscall.ENOTEMPTY
			}
		} else if n.isDir() {
			return syscall.ENOTDIR
		}
	}
	delete(oldParent.children, oldBase)
	n.name = newBase
	newParent.children[newBase] = n
	now := time.Now()
	oldParent.modTime = now
	newParent.modTime = now
	return nil
}

func (fs *FS) Truncate(path string, length int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		return err
	}
	if n.isDir() {
		return syscall.EISDIR
	}
	truncateData(n, length)
	return nil
}

func truncateData(n *node, length int64) {
	switch {
	case int64(len(n.data)) > length:
		n.data = n.data[:length]
	case int64(len(n.data)) < length:
		n.data = append(n.data, make([]byte, length-int64(len(n.data)))...)
	}
	n.modTime = time.Now()
}

func (fs *FS) Utimes(path string, atime, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		return err
	}
	n.atime = atime
	n.modTime = mtime
	return nil
}

func (fs *FS) Readlink(path string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		return "", err
	}
	if !n.isSymlink() {
		return "", syscall.EINVAL
	}
	return n.target, nil
}

func (fs *FS) Symlink(target, linkpath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.walk(linkpath); err == nil {
		return syscall.EEXIST
	}
	parent, base, err := fs.walkParent(linkpath)
	if err != nil {
		return err
	}
	now := time.Now()
	parent.children[base] = &node{
		name:    base,
		mode:    syscall.S_IFLNK | 0777,
		target:  target,
		modTime: now,
		atime:   now,
		ctime:   now,
	}
	return nil
}

func (fs *FS) Statfs(path string) (*vfs.StatfsInfo, error) {
	return &vfs.StatfsInfo{
		Type:    tmpfsMagic,
		Bsize:   4096,
		Blocks:  1 << 20,
		Bfree:   1 << 19,
		Bavail:  1 << 19,
		Files:   1 << 16,
		Ffree:   1 << 15,
		Namelen: 255,
		Frsize:  4096,
	}, nil
}

func (fs *FS) OnDirectoryContentsNeeded(path string) (vfs.DirIterator, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(path)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, syscall.ENOTDIR
	}
	entries := make([]vfs.DirEntry, 0, len(n.children))
	for name, child := range n.children {
		entries = append(entries, vfs.DirEntry{
			Name: name,
			Type: dirEntryType(child),
		})
	}
	return vfs.NewDirIterator(entries), nil
}

func dirEntryType(n *node) uint8 {
	switch {
	case n.isDir():
		return vfs.DTDir
	case n.isSymlink():
		return vfs.DTLnk
	default:
		return vfs.DTReg
	}
}

func (fs *FS) IsWorldWritable(path string) bool {
	return fs.worldWritable
}

// WriteFile seeds a file, creating parent directories. Meant for test
// and demo setup, not for dispatch.
func (fs *FS) WriteFile(path string, data []byte, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	comps := split(path)
	if len(comps) == 0 {
		return syscall.EISDIR
	}
	n := fs.root
	for _, c := range comps[:len(comps)-1] {
		child, ok := n.children[c]
		if !ok {
			now := time.Now()
			child = &node{
				name:     c,
				mode:     syscall.S_IFDIR | 0755,
				children: make(map[string]*node),
				modTime:  now,
				atime:    now,
				ctime:    now,
			}
			n.children[c] = child
		}
		if !child.isDir() {
			return syscall.ENOTDIR
		}
		n = child
	}
	base := comps[len(comps)-1]
	now := time.Now()
	n.children[base] = &node{
		name:    base,
		mode:    syscall.S_IFREG | (mode & 0777),
		data:    append([]byte(nil), data...),
		modTime: now,
		atime:   now,
		ctime:   now,
	}
	return nil
}

// MkdirAll seeds a directory chain, for setup code.
func (fs *FS) MkdirAll(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.root
	for _, c := range split(path) {
		child, ok := n.children[c]
		if !ok {
			now := time.Now()
			child = &node{
				name:     c,
				mode:     syscall.S_IFDIR | (mode & 0777),
				children: make(map[string]*node),
				modTime:  now,
				atime:    now,
				ctime:    now,
			}
			n.children[c] = child
		}
		if !child.isDir() {
			return syscall.ENOTDIR
		}
		n = child
	}
	return nil
}

func pathBase(p string) string {
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}

var _ vfs.Handler = (*FS)(nil)
