package vfs

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Options are the knobs the embedding host configures once at startup.
type Options struct {
	// Descriptor range. Zero values pick the defaults 3 and 1023; the
	// fds below MinFD stay reserved for the host's stdio.
	MinFD int
	MaxFD int

	// UID the process initially runs as.
	CurrentUID uint32

	// EnablePreopen starts the preopen worker when the host signals
	// ready.
	EnablePreopen bool

	// SaveLogsToFile redirects fds 1 and 2 into fixed log paths when
	// the host signals ready.
	SaveLogsToFile bool
	LogDir         string

	// AbortOnUnexpectedMemoryMaps makes a failed memory-region insert
	// fatal instead of a soft ENXIO.
	AbortOnUnexpectedMemoryMaps bool

	// MainThreadChecker reports whether the caller is on the main/UI
	// thread. Handler lookup panics when it returns true: handlers may
	// block on host IPC and the main thread must never do that.
	MainThreadChecker func() bool

	// SocketFactory builds streams for the non-local socket families.
	// Without one, socket(AF_INET, ...) fails with EAFNOSUPPORT.
	SocketFactory func(domain, typ, protocol int) (Stream, error)

	// FsConf answers pathconf/fpathconf queries from the host after
	// the VFS has done the statfs.
	FsConf func(name int, statfs *StatfsInfo) (int64, error)
}

// VFS is the process-local POSIX translation core. One global lock
// covers every observable state change; the condition variable paired
// with it is the readiness engine's wakeup channel.
type VFS struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts    Options
	env     *environ
	mounts  *mountTable
	fds     *fdTable
	inodes  *inodeTable
	regions *memoryMap
	cloexec map[int]bool

	scheduledPreopens []string
	preopened         map[string][]int
	preopenStarted    bool

	hostReady    bool
	nextMmapAddr uintptr
}

const (
	defaultMinFD = 3
	defaultMaxFD = 1023

	mmapBase = uintptr(0x40000000)
)

func New(opts Options) *VFS {
	if opts.MinFD == 0 {
		opts.MinFD = defaultMinFD
	}
	if opts.MaxFD == 0 {
		opts.MaxFD = defaultMaxFD
	}
	if opts.LogDir == "" {
		opts.LogDir = "/var/log/ptl"
	}
	v := &VFS{
		opts:         opts,
		env:          newEnviron(),
		mounts:       newMountTable(),
		fds:          newFDTable(opts.MinFD, opts.MaxFD),
		inodes:       newInodeTable(),
		regions:      newMemoryMap(),
		cloexec:      make(map[int]bool),
		preopened:    make(map[string][]int),
		nextMmapAddr: mmapBase,
	}
	v.cond = sync.NewCond(&v.mu)
	v.env.setUID(opts.CurrentUID)
	return v
}

// --- mounts ---

func (v *VFS) Mount(prefix string, handler Handler) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.mounts.add(prefix, handler, RootUID); err != nil {
		return err
	}
	handler.OnMounted(prefix)
	return nil
}

func (v *VFS) Unmount(prefix string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ensureTrailingSlash(prefix) == "/" {
		return syscall.EBUSY
	}
	mp, err := v.mounts.remove(prefix)
	if err != nil {
		return err
	}
	mp.handler.OnUnmounted(prefix)
	return nil
}

func (v *VFS) ChangeOwner(path string, uid uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	return v.mounts.changeOwner(resolved, uid)
}

// lookupHandlerLocked resolves the handler serving path and derives
// the caller's permission from the mount owner. The handler is lazily
// initialized here, lock held. Looking up a handler from the main
// thread is fatal: handlers block on host IPC.
func (v *VFS) lookupHandlerLocked(path string) (Handler, Permission, error) {
	if c := v.opts.MainThreadChecker; c != nil && c() {
		panic("vfs: filesystem access from the main thread")
	}
	mp := v.mounts.lookup(path)
	if mp == nil {
		return nil, Permission{}, syscall.ENOENT
	}
	if !mp.initialized {
		if err := mp.handler.Initialize(); err != nil {
			return nil, Permission{}, err
		}
		mp.initialized = true
	}
	uid := v.env.getUID()
	writable := !IsAppUID(uid) || uid == mp.uid || mp.handler.IsWorldWritable(path)
	return mp.handler, Permission{FileUID: mp.uid, IsWritable: writable}, nil
}

// --- host lifecycle ---

// SetHostReady tells the VFS the host side is up: log redirection is
// installed, the preopen worker starts, and blocked waiters wake.
func (v *VFS) SetHostReady() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.hostReady {
		return
	}
	v.hostReady = true
	if v.opts.SaveLogsToFile {
		v.installLogFilesLocked()
	}
	if v.opts.EnablePreopen {
		v.startPreopenLocked()
	}
	v.cond.Broadcast()
}

func (v *VFS) installLogFilesLocked() {
	for target, name := range map[int]string{1: "stdout.log", 2: "stderr.log"} {
		path := v.opts.LogDir + "/" + name
		fd, err := v.openLocked(path, O_WRONLY|O_CREAT|O_TRUNC, 0644, false)
		if err != nil {
			warnf("log redirect: open %s: %v", path, err)
			continue
		}
		if err := v.dup2Locked(fd, target); err != nil {
			warnf("log redirect: dup2 %d->%d: %v", fd, target, err)
		}
		v.closeLocked(fd)
	}
}

func (v *VFS) SetCurrentUID(uid uint32) {
	v.env.setUID(uid)
}

// --- path operations ---

func (v *VFS) Open(path string, oflag OpenFlags, mode uint32) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openLocked(path, oflag, mode, true)
}

func (v *VFS) Creat(path string, mode uint32) (int, error) {
	return v.Open(path, O_WRONLY|O_CREAT|O_TRUNC, mode)
}

func (v *VFS) openLocked(path string, oflag OpenFlags, mode uint32, usePreopen bool) (int, error) {
	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return -1, err
	}
	logDispatch("open", path, resolved)

	if oflag.IsTrunc() && !oflag.IsWrite() {
		warnf("open: O_TRUNC without write access: %s", resolved)
	}

	if usePreopen && oflag.IsPreopenEligible() {
		if fd := v.takePreopenedLocked(resolved); fd >= 0 {
			return fd, nil
		}
	}

	handler, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return -1, err
	}

	if oflag.WriteIntent() && !perm.IsWritable {
		if fi, serr := v.statLocked(resolved); serr == nil {
			// Linux prefers these over the plain permission error.
			if oflag.IsCreate() && fi.IsDir {
				return -1, syscall.EISDIR
			}
			if oflag.IsCreate() && oflag.IsExcl() {
				return -1, syscall.EEXIST
			}
		}
		return -1, v.writeErrnoLocked(resolved)
	}

	if !oflag.IsPreopenEligible() {
		// A write-mode open must not race a speculative read-only
		// open for the same path.
		v.invalidatePreopensLocked(resolved)
	}

	fd, err := v.fds.reserve()
	if err != nil {
		return -1, err
	}
	stream, err := handler.Open(resolved, oflag, mode)
	if err != nil {
		v.fds.release(fd)
		return -1, errnoOf(err)
	}
	if ps, ok := stream.(interface{ SetPermission(Permission) }); ok {
		ps.SetPermission(perm)
	}
	v.fds.bind(fd, stream)
	return fd, nil
}

// writeErrnoLocked picks the errno for a mutating operation on an
// unwritable path, matching ext4's preference ENOTDIR > ENOENT >
// EACCES.
func (v *VFS) writeErrnoLocked(resolved string) syscall.Errno {
	if _, err := v.statLocked(resolved); err == nil {
		return syscall.EACCES
	}
	if resolved == "/" {
		return syscall.EACCES
	}
	fi, err := v.statLocked(pathDir(resolved))
	if err != nil {
		e := errnoOf(err)
		if e == syscall.ENOTDIR || e == syscall.ENOENT {
			return e
		}
		return syscall.EACCES
	}
	if !fi.IsDir {
		return syscall.ENOTDIR
	}
	return syscall.EACCES
}

func mergeWriteErrno(a, b syscall.Errno) syscall.Errno {
	if a == syscall.ENOTDIR || b == syscall.ENOTDIR {
		return syscall.ENOTDIR
	}
	if a == syscall.ENOENT || b == syscall.ENOENT {
		return syscall.ENOENT
	}
	if a != 0 {
		return a
	}
	return b
}

func (v *VFS) statLocked(resolved string) (*FileInfo, error) {
	handler, _, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return nil, err
	}
	fi, err := handler.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if fi.Ino == 0 {
		fi.Ino = v.inodes.get(resolved)
	}
	return fi, nil
}

func (v *VFS) Stat(path string) (*FileInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return nil, err
	}
	logDispatch("stat", path, resolved)
	return v.statLocked(resolved)
}

func (v *VFS) Lstat(path string) (*FileInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveParentSymlinks)
	if err != nil {
		return nil, err
	}
	logDispatch("lstat", path, resolved)
	return v.statLocked(resolved)
}

func (v *VFS) Statfs(path string) (*StatfsInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return nil, err
	}
	handler, _, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return nil, err
	}
	return handler.Statfs(resolved)
}

func (v *VFS) Mkdir(path string, mode uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	logDispatch("mkdir", path, resolved)
	handler, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return err
	}
	if !perm.IsWritable {
		if _, serr := v.statLocked(resolved); serr == nil {
			return syscall.EEXIST
		}
		return v.writeErrnoLocked(resolved)
	}
	return handler.Mkdir(resolved, mode)
}

func (v *VFS) Rmdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	logDispatch("rmdir", path, resolved)
	handler, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return err
	}
	if !perm.IsWritable {
		return v.writeErrnoLocked(resolved)
	}
	return handler.Rmdir(resolved)
}

// Unlink acts on the link itself, so only parent symlinks resolve.
func (v *VFS) Unlink(path string) error {
	return v.removeEntry(path, "unlink", func(h Handler, p string) error { return h.Unlink(p) })
}

// Remove is unlink-or-rmdir, again on the link itself.
func (v *VFS) Remove(path string) error {
	return v.removeEntry(path, "remove", func(h Handler, p string) error { return h.Remove(p) })
}

func (v *VFS) removeEntry(path, op string, call func(Handler, string) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveParentSymlinks)
	if err != nil {
		return err
	}
	logDispatch(op, path, resolved)
	handler, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return err
	}
	if !perm.IsWritable {
		return v.writeErrnoLocked(resolved)
	}
	v.invalidatePreopensLocked(resolved)
	if err := call(handler, resolved); err != nil {
		return err
	}
	v.inodes.forget(resolved)
	return nil
}

func (v *VFS) Rename(oldpath, newpath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldResolved, err := v.normalizeLocked(oldpath, ResolveParentSymlinks)
	if err != nil {
		return err
	}
	newResolved, err := v.normalizeLocked(newpath, ResolveParentSymlinks)
	if err != nil {
		return err
	}
	logDispatch("rename", oldpath, oldResolved)

	oldHandler, oldPerm, err := v.lookupHandlerLocked(oldResolved)
	if err != nil {
		return err
	}
	newHandler, newPerm, err := v.lookupHandlerLocked(newResolved)
	if err != nil {
		return err
	}
	if oldHandler != newHandler {
		return syscall.EXDEV
	}

	var oldErrno, newErrno syscall.Errno
	if _, serr := v.statLocked(oldResolved); serr != nil {
		oldErrno = errnoOf(serr)
	} else if !oldPerm.IsWritable {
		oldErrno = syscall.EACCES
	}
	if !newPerm.IsWritable {
		newErrno = v.writeErrnoLocked(newResolved)
	}
	if oldErrno != 0 || newErrno != 0 {
		return mergeWriteErrno(oldErrno, newErrno)
	}

	if err := oldHandler.Rename(oldResolved, newResolved); err != nil {
		return err
	}
	v.inodes.reassign(oldResolved, newResolved)
	v.invalidatePreopensLocked(oldResolved)
	v.invalidatePreopensLocked(newResolved)
	return nil
}

func (v *VFS) Truncate(path string, length int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length < 0 {
		return syscall.EINVAL
	}
	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	handler, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return err
	}
	if !perm.IsWritable {
		return v.writeErrnoLocked(resolved)
	}
	v.invalidatePreopensLocked(resolved)
	return handler.Truncate(resolved, length)
}

func (v *VFS) Utimes(path string, atime, mtime time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	handler, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return err
	}
	if !perm.IsWritable {
		return v.writeErrnoLocked(resolved)
	}
	return handler.Utimes(resolved, atime, mtime)
}

func (v *VFS) Readlink(path string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveParentSymlinks)
	if err != nil {
		return "", err
	}
	logDispatch("readlink", path, resolved)
	handler, _, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return "", err
	}
	return handler.Readlink(resolved)
}

func (v *VFS) Symlink(target, linkpath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(linkpath, ResolveParentSymlinks)
	if err != nil {
		return err
	}
	handler, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return err
	}
	if !perm.IsWritable {
		if _, serr := v.statLocked(resolved); serr == nil {
			return syscall.EEXIST
		}
		return v.writeErrnoLocked(resolved)
	}
	return handler.Symlink(target, resolved)
}

func (v *VFS) Access(path string, mode uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	_, perm, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return err
	}
	if _, err := v.statLocked(resolved); err != nil {
		return err
	}
	if mode&unix.W_OK != 0 && !perm.IsWritable {
		return syscall.EACCES
	}
	return nil
}

func (v *VFS) Chdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return err
	}
	fi, err := v.statLocked(resolved)
	if err != nil {
		return err
	}
	if !fi.IsDir {
		return syscall.ENOTDIR
	}
	// The CWD write goes through the environment object, which has
	// its own synchronization.
	v.env.setCWD(resolved)
	return nil
}

// GetCwd returns the current directory. A non-zero size that cannot
// hold the path plus its terminator fails with ERANGE; size zero
// means "allocate whatever is needed", per getcwd(NULL, 0).
func (v *VFS) GetCwd(size int) (string, error) {
	cwd := v.env.getCWD()
	if size > 0 && size < len(cwd)+1 {
		return "", syscall.ERANGE
	}
	return cwd, nil
}

func (v *VFS) Realpath(path string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return "", err
	}
	if _, err := v.statLocked(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

func (v *VFS) Pathconf(path string, name int) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	resolved, err := v.normalizeLocked(path, ResolveAllSymlinks)
	if err != nil {
		return -1, err
	}
	handler, _, err := v.lookupHandlerLocked(resolved)
	if err != nil {
		return -1, err
	}
	st, err := handler.Statfs(resolved)
	if err != nil {
		return -1, err
	}
	return v.fsConfLocked(name, st)
}

func (v *VFS) Fpathconf(fd int, name int) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.fds.get(fd)
	if s == nil {
		return -1, syscall.EBADF
	}
	st, err := s.Fstatfs()
	if err != nil {
		return -1, err
	}
	return v.fsConfLocked(name, st)
}

func (v *VFS) fsConfLocked(name int, st *StatfsInfo) (int64, error) {
	if v.opts.FsConf == nil {
		return -1, syscall.ENOSYS
	}
	return v.opts.FsConf(name, st)
}

// --- descriptor operations ---

func (v *VFS) Close(fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeLocked(fd)
}

func (v *VFS) closeLocked(fd int) error {
	if !v.fds.isKnown(fd) {
		return syscall.EBADF
	}
	s := v.fds.remove(fd)
	delete(v.cloexec, fd)
	if s != nil {
		v.releaseStreamLocked(s)
	}
	v.cond.Broadcast()
	return nil
}

func (v *VFS) releaseStreamLocked(s Stream) {
	if s.Unref() {
		s.Close()
	}
}

func (v *VFS) stream(fd int) (Stream, error) {
	s := v.fds.get(fd)
	if s == nil {
		return nil, syscall.EBADF
	}
	return s, nil
}

func (v *VFS) Read(fd int, b []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	return s.Read(b)
}

func (v *VFS) Write(fd int, b []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	n, werr := s.Write(b)
	v.cond.Broadcast()
	return n, werr
}

func (v *VFS) Pread(fd int, b []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	return s.Pread(b, off)
}

func (v *VFS) Pwrite(fd int, b []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	return s.Pwrite(b, off)
}

func (v *VFS) Readv(fd int, bufs [][]byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	total := 0
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := s.Read(b)
		if n > 0 {
			total += n
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return -1, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

func (v *VFS) Writev(fd int, bufs [][]byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	total := 0
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := s.Write(b)
		if n > 0 {
			total += n
		}
		if err != nil {
			if total > 0 {
				break
			}
			return -1, err
		}
	}
	v.cond.Broadcast()
	return total, nil
}

func (v *VFS) Lseek(fd int, off int64, whence int) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	return s.Lseek(off, whence)
}

func (v *VFS) Fstat(fd int) (*FileInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return nil, err
	}
	fi, err := s.Fstat()
	if err != nil {
		return nil, err
	}
	if fi.Ino == 0 && s.Pathname() != "" {
		fi.Ino = v.inodes.get(s.Pathname())
	}
	return fi, nil
}

func (v *VFS) Fstatfs(fd int) (*StatfsInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return nil, err
	}
	return s.Fstatfs()
}

func (v *VFS) Ftruncate(fd int, length int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length < 0 {
		return syscall.EINVAL
	}
	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Ftruncate(length)
}

func (v *VFS) Fsync(fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Fsync()
}

func (v *VFS) Fdatasync(fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Fdatasync()
}

func (v *VFS) Ioctl(fd int, req uint64, arg []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	return s.Ioctl(req, arg)
}

func (v *VFS) Getdents(fd int, count int) ([]DirEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return nil, err
	}
	entries, err := s.Getdents(count)
	if err != nil {
		return nil, err
	}
	dir := s.Pathname()
	for i := range entries {
		if entries[i].Ino != 0 {
			continue
		}
		child := dir + "/" + entries[i].Name
		if dir == "/" {
			child = "/" + entries[i].Name
		}
		entries[i].Ino = v.inodes.get(child)
	}
	return entries, nil
}

func (v *VFS) Dup(oldfd int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fds.dup(oldfd, v.opts.MinFD)
}

// Dup2 closes newfd if occupied and binds it to oldfd's stream.
// dup2(a, a) on an open fd is a no-op returning a; that is the one
// place dup2 and dup3 disagree.
func (v *VFS) Dup2(oldfd, newfd int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if oldfd == newfd {
		if !v.fds.isKnown(oldfd) {
			return -1, syscall.EBADF
		}
		return newfd, nil
	}
	if err := v.dup2Locked(oldfd, newfd); err != nil {
		return -1, err
	}
	return newfd, nil
}

func (v *VFS) Dup3(oldfd, newfd int, flags OpenFlags) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if oldfd == newfd {
		return -1, syscall.EINVAL
	}
	if flags&^O_CLOEXEC != 0 {
		return -1, syscall.EINVAL
	}
	if err := v.dup2Locked(oldfd, newfd); err != nil {
		return -1, err
	}
	if flags&O_CLOEXEC != 0 {
		v.cloexec[newfd] = true
	}
	return newfd, nil
}

func (v *VFS) dup2Locked(oldfd, newfd int) error {
	if newfd < 0 || newfd > v.opts.MaxFD {
		return syscall.EBADF
	}
	if !v.fds.isKnown(oldfd) {
		return syscall.EBADF
	}
	if v.fds.isKnown(newfd) {
		v.closeLocked(newfd)
	}
	return v.fds.dupTo(oldfd, newfd)
}

func (v *VFS) Fcntl(fd int, cmd int, arg int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.fds.get(fd)
	if s == nil && !v.fds.isKnown(fd) {
		return -1, syscall.EBADF
	}
	switch cmd {
	case unix.F_DUPFD:
		return v.fds.dup(fd, arg)
	case unix.F_GETFD:
		if v.cloexec[fd] {
			return unix.FD_CLOEXEC, nil
		}
		return 0, nil
	case unix.F_SETFD:
		v.cloexec[fd] = arg&unix.FD_CLOEXEC != 0
		return 0, nil
	case unix.F_GETFL:
		if s == nil {
			return -1, syscall.EBADF
		}
		return int(s.Oflag()), nil
	case unix.F_SETFL:
		if s == nil {
			return -1, syscall.EBADF
		}
		const settable = O_APPEND | O_NONBLOCK
		s.SetOflag(s.Oflag()&^settable | OpenFlags(arg)&settable)
		return 0, nil
	default:
		return -1, syscall.EINVAL
	}
}

// --- memory mapping ---

func (v *VFS) Mmap(addr uintptr, length uintptr, prot int, flags int, fd int, off int64) (uintptr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length == 0 {
		return 0, syscall.EINVAL
	}
	if off%int64(pageSize) != 0 {
		return 0, syscall.EINVAL
	}
	fixed := flags&unix.MAP_FIXED != 0
	if !isPageAligned(addr) {
		if fixed {
			return 0, syscall.EINVAL
		}
		addr = pageAlignDown(addr)
	}

	var stream Stream
	var inode uint64
	if flags&unix.MAP_ANONYMOUS != 0 {
		stream = newAnonStream()
	} else {
		s := v.fds.get(fd)
		if s == nil {
			return 0, syscall.EBADF
		}
		stream = s
		// Snapshot the inode now: write-aliasing checks must keep
		// working after a rename.
		if fi, err := s.Fstat(); err == nil && fi.Ino != 0 {
			inode = fi.Ino
		} else if s.Pathname() != "" {
			inode = v.inodes.get(s.Pathname())
		}
	}

	length = pageAlignUp(length)
	if addr == 0 && !fixed {
		addr = v.allocMmapAddrLocked(length)
	}

	real, err := stream.Mmap(addr, length, prot, flags, off)
	if err != nil {
		return 0, errnoOf(err)
	}

	if fixed {
		// The host mapping was just replaced wholesale; drop the
		// bookkeeping without a second munmap.
		v.regions.removeRange(real, length, false, v.releaseStreamLocked)
	}

	region := &memRegion{
		addr:   real,
		length: length,
		prot:   prot,
		flags:  flags,
		stream: stream,
		offset: off,
		inode:  inode,
	}
	if err := v.regions.insert(region); err != nil {
		if v.opts.AbortOnUnexpectedMemoryMaps {
			panic(fmt.Sprintf("vfs: unexpected overlap registering mmap [%#x,%#x)", real, real+length))
		}
		warnf("mmap: region [%#x,%#x) overlaps an existing mapping", real, real+length)
		return 0, syscall.ENXIO
	}
	return real, nil
}

func (v *VFS) allocMmapAddrLocked(length uintptr) uintptr {
	for {
		addr := v.nextMmapAddr
		v.nextMmapAddr += pageAlignUp(length) + pageSize
		if len(v.regions.overlapping(addr, length)) == 0 {
			return addr
		}
	}
}

func (v *VFS) Munmap(addr uintptr, length uintptr) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length == 0 || !isPageAligned(addr) {
		return syscall.EINVAL
	}
	v.regions.removeRange(addr, pageAlignUp(length), true, v.releaseStreamLocked)
	return nil
}

func (v *VFS) Mprotect(addr uintptr, length uintptr, prot int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if length == 0 || !isPageAligned(addr) {
		return syscall.EINVAL
	}
	return v.regions.protectRange(addr, pageAlignUp(length), prot, v.releaseStreamLocked)
}

// IsWriteMapped reports whether any writable mapping is backed by the
// inode. Host-backed handlers consult it before flushing caches.
func (v *VFS) IsWriteMapped(inode uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.regions.isWriteMapped(inode)
}

// MemoryRegions is an introspection snapshot of the mapping table.
func (v *VFS) MemoryRegions() []MemoryRegionInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.regions.snapshot()
}

// --- pipes and sockets ---

func (v *VFS) Pipe2(flags OpenFlags) (int, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if flags&^(O_NONBLOCK|O_CLOEXEC) != 0 {
		return -1, -1, syscall.EINVAL
	}
	r, w := v.newLocalPair(O_RDONLY|flags&O_NONBLOCK, false, "pipe")
	w.SetOflag(O_WRONLY | flags&O_NONBLOCK)
	rfd, err := v.fds.add(r)
	if err != nil {
		return -1, -1, err
	}
	wfd, err := v.fds.add(w)
	if err != nil {
		v.closeLocked(rfd)
		return -1, -1, err
	}
	if flags&O_CLOEXEC != 0 {
		v.cloexec[rfd] = true
		v.cloexec[wfd] = true
	}
	return rfd, wfd, nil
}

func (v *VFS) Socket(domain, typ, protocol int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch domain {
	case unix.AF_UNIX:
		perm := Permission{FileUID: v.env.getUID(), IsWritable: true}
		s := &unboundSocket{
			BaseStream: NewBaseStream("", perm, O_RDWR, "local"),
			v:          v,
		}
		return v.fds.add(s)
	default:
		if v.opts.SocketFactory == nil {
			return -1, syscall.EAFNOSUPPORT
		}
		s, err := v.opts.SocketFactory(domain, typ, protocol)
		if err != nil {
			return -1, errnoOf(err)
		}
		return v.fds.add(s)
	}
}

func (v *VFS) Socketpair(domain, typ, protocol int) ([2]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var fds [2]int
	if domain != unix.AF_UNIX {
		return fds, syscall.EAFNOSUPPORT
	}
	a, b := v.newLocalPair(O_RDWR, true, "local")
	afd, err := v.fds.add(a)
	if err != nil {
		return fds, err
	}
	bfd, err := v.fds.add(b)
	if err != nil {
		v.closeLocked(afd)
		return fds, err
	}
	fds[0], fds[1] = afd, bfd
	return fds, nil
}

func (v *VFS) Connect(fd int, addr unix.Sockaddr) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Connect(addr)
}

func (v *VFS) Bind(fd int, addr unix.Sockaddr) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Bind(addr)
}

func (v *VFS) Listen(fd int, backlog int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Listen(backlog)
}

func (v *VFS) Accept(fd int) (int, unix.Sockaddr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, nil, err
	}
	conn, addr, err := s.Accept()
	if err != nil {
		return -1, nil, err
	}
	nfd, err := v.fds.add(conn)
	if err != nil {
		if conn.Unref() {
			conn.Close()
		}
		return -1, nil, err
	}
	return nfd, addr, nil
}

func (v *VFS) Send(fd int, b []byte, flags int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	n, serr := s.Send(b, flags)
	v.cond.Broadcast()
	return n, serr
}

func (v *VFS) Sendto(fd int, b []byte, flags int, to unix.Sockaddr) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	n, serr := s.Sendto(b, flags, to)
	v.cond.Broadcast()
	return n, serr
}

func (v *VFS) Recv(fd int, b []byte, flags int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, err
	}
	return s.Recv(b, flags)
}

func (v *VFS) Recvfrom(fd int, b []byte, flags int) (int, unix.Sockaddr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return -1, nil, err
	}
	return s.Recvfrom(b, flags)
}

func (v *VFS) Getsockopt(fd int, level, name int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return nil, err
	}
	return s.Getsockopt(level, name)
}

func (v *VFS) Setsockopt(fd int, level, name int, val []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Setsockopt(level, name, val)
}

func (v *VFS) Shutdown(fd int, how int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return err
	}
	return s.Shutdown(how)
}

func (v *VFS) Getpeername(fd int) (unix.Sockaddr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return nil, err
	}
	return s.Getpeername()
}

func (v *VFS) Getsockname(fd int) (unix.Sockaddr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.stream(fd)
	if err != nil {
		return nil, err
	}
	return s.Getsockname()
}
