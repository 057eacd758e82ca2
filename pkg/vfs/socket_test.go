package vfs_test

import (
	"syscall"
	"testing"
	"time"

	"ptl/pkg/vfs"

	"golang.org/x/sys/unix"
)

func TestPipeReadWrite(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Write(rfd, []byte("x")); err != syscall.EBADF {
		t.Errorf("write to read end = %v, want EBADF", err)
	}
	if _, err := v.Read(wfd, make([]byte, 1)); err != syscall.EBADF {
		t.Errorf("read from write end = %v, want EBADF", err)
	}

	if n, err := v.Write(wfd, []byte("hello")); n != 5 || err != nil {
		t.Fatalf("write = (%d, %v)", n, err)
	}
	buf := make([]byte, 8)
	n, err := v.Read(rfd, buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("read = (%q, %v)", buf[:n], err)
	}
}

func TestPipeEOFAndEPIPE(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	v.Write(wfd, []byte("tail"))
	if err := v.Close(wfd); err != nil {
		t.Fatal(err)
	}

	// Buffered data drains first, then EOF.
	buf := make([]byte, 8)
	n, err := v.Read(rfd, buf)
	if err != nil || string(buf[:n]) != "tail" {
		t.Fatalf("read buffered = (%q, %v)", buf[:n], err)
	}
	n, err = v.Read(rfd, buf)
	if n != 0 || err != nil {
		t.Errorf("read after peer close = (%d, %v), want EOF", n, err)
	}

	// Write into a closed read end is a broken pipe.
	rfd2, wfd2, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}
	v.Close(rfd2)
	if _, err := v.Write(wfd2, []byte("x")); err != syscall.EPIPE {
		t.Errorf("write to closed peer = %v, want EPIPE", err)
	}
}

func TestPipeNonblock(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, _, err := v.Pipe2(vfs.O_NONBLOCK)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Read(rfd, make([]byte, 1)); err != syscall.EAGAIN {
		t.Errorf("nonblocking empty read = %v, want EAGAIN", err)
	}
}

func TestPipeBlockingRead(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		v.Write(wfd, []byte("late"))
	}()

	buf := make([]byte, 8)
	n, err := v.Read(rfd, buf)
	if err != nil || string(buf[:n]) != "late" {
		t.Fatalf("blocking read = (%q, %v)", buf[:n], err)
	}
}

func TestPipe2BadFlags(t *testing.T) {
	v, _ := newTestVFS(t)
	if _, _, err := v.Pipe2(vfs.O_APPEND); err != syscall.EINVAL {
		t.Errorf("pipe2 with O_APPEND = %v, want EINVAL", err)
	}
}

func TestSocketpair(t *testing.T) {
	v, _ := newTestVFS(t)
	fds, err := v.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Both directions work.
	if _, err := v.Send(fds[0], []byte("ping"), 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := v.Recv(fds[1], buf, 0)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("recv = (%q, %v)", buf[:n], err)
	}
	if _, err := v.Send(fds[1], []byte("pong"), 0); err != nil {
		t.Fatal(err)
	}
	n, err = v.Recv(fds[0], buf, 0)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("recv = (%q, %v)", buf[:n], err)
	}

	if _, err := v.Getpeername(fds[0]); err != nil {
		t.Errorf("getpeername on connected pair = %v", err)
	}

	fi, err := v.Fstat(fds[0])
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode&syscall.S_IFMT != syscall.S_IFSOCK {
		t.Errorf("socketpair fstat mode = %#o, want a socket", fi.Mode)
	}

	if _, err := v.Socketpair(unix.AF_INET, unix.SOCK_STREAM, 0); err != syscall.EAFNOSUPPORT {
		t.Errorf("socketpair AF_INET = %v, want EAFNOSUPPORT", err)
	}
}

func TestSocketpairShutdown(t *testing.T) {
	v, _ := newTestVFS(t)
	fds, err := v.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Shutdown(fds[0], unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}
	// Peer sees EOF, shut side fails to send.
	if n, err := v.Recv(fds[1], make([]byte, 4), 0); n != 0 || err != nil {
		t.Errorf("recv after peer SHUT_WR = (%d, %v), want EOF", n, err)
	}
	if _, err := v.Send(fds[0], []byte("x"), 0); err != syscall.EPIPE {
		t.Errorf("send after SHUT_WR = %v, want EPIPE", err)
	}
	// The other direction still flows.
	if _, err := v.Send(fds[1], []byte("ok"), 0); err != nil {
		t.Errorf("reverse send = %v", err)
	}
}

func TestSocketFamilies(t *testing.T) {
	v, _ := newTestVFS(t)

	fd, err := v.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket AF_UNIX = %v", err)
	}
	if err := v.Connect(fd, &unix.SockaddrUnix{Name: "/nowhere"}); err != syscall.ECONNREFUSED {
		t.Errorf("connect = %v, want ECONNREFUSED", err)
	}

	if _, err := v.Socket(unix.AF_INET, unix.SOCK_STREAM, 0); err != syscall.EAFNOSUPPORT {
		t.Errorf("socket AF_INET without factory = %v, want EAFNOSUPPORT", err)
	}

	// Socket operations on a regular file report ENOTSOCK.
	v2, fs := newTestVFS(t)
	fs.WriteFile("/f", nil, 0644)
	ffd, err := v2.Open("/f", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := v2.Connect(ffd, &unix.SockaddrUnix{}); err != syscall.ENOTSOCK {
		t.Errorf("connect on file = %v, want ENOTSOCK", err)
	}
}
