package vfs_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSelectZeroTimeoutNeverBlocks(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, _, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	var rset unix.FdSet
	rset.Set(rfd)
	tv := unix.Timeval{}

	start := time.Now()
	n, err := v.Select(rfd+1, &rset, nil, nil, &tv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("select on empty pipe = %d, want 0", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("zero-timeout select blocked for %v", elapsed)
	}
	if rset.IsSet(rfd) {
		t.Errorf("result set still has the fd after a miss")
	}
}

func TestSelectReadyPipe(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Write(wfd, []byte("x")); err != nil {
		t.Fatal(err)
	}

	var rset, wset unix.FdSet
	rset.Set(rfd)
	wset.Set(wfd)
	tv := unix.Timeval{}
	n, err := v.Select(wfd+1, &rset, &wset, nil, &tv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("select = %d, want 2 (read + write ready)", n)
	}
	if !rset.IsSet(rfd) || !wset.IsSet(wfd) {
		t.Errorf("readiness bits wrong: r=%v w=%v", rset.IsSet(rfd), wset.IsSet(wfd))
	}
}

func TestSelectWakesOnWrite(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		v.Write(wfd, []byte("wake"))
	}()

	var rset unix.FdSet
	rset.Set(rfd)
	n, err := v.Select(rfd+1, &rset, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !rset.IsSet(rfd) {
		t.Errorf("select after wake = %d, set=%v", n, rset.IsSet(rfd))
	}
}

func TestSelectTimeoutDecrements(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, _, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	var rset unix.FdSet
	rset.Set(rfd)
	tv := unix.NsecToTimeval((50 * time.Millisecond).Nanoseconds())
	start := time.Now()
	n, err := v.Select(rfd+1, &rset, nil, nil, &tv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("select = %d, want timeout", n)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	remaining := time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
	if remaining > 15*time.Millisecond {
		t.Errorf("timeout not decremented: %v remaining", remaining)
	}
}

func TestPollBasics(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	fds := []unix.PollFd{
		{Fd: int32(rfd), Events: unix.POLLIN},
		{Fd: int32(wfd), Events: unix.POLLOUT},
		{Fd: 999, Events: unix.POLLIN},
	}
	n, err := v.Poll(fds, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Write end ready, bogus fd flagged POLLNVAL, read end idle.
	if n != 2 {
		t.Errorf("poll = %d, want 2", n)
	}
	if fds[0].Revents != 0 {
		t.Errorf("empty read end revents = %#x", fds[0].Revents)
	}
	if fds[1].Revents&unix.POLLOUT == 0 {
		t.Errorf("write end not POLLOUT: %#x", fds[1].Revents)
	}
	if fds[2].Revents != unix.POLLNVAL {
		t.Errorf("unknown fd revents = %#x, want POLLNVAL", fds[2].Revents)
	}

	if _, err := v.Write(wfd, []byte("y")); err != nil {
		t.Fatal(err)
	}
	fds[0].Revents = 0
	n, err = v.Poll(fds[:1], 0)
	if err != nil || n != 1 || fds[0].Revents&unix.POLLIN == 0 {
		t.Errorf("poll after write = (%d, %v, %#x)", n, err, fds[0].Revents)
	}
}

func TestPollHangupOnPeerClose(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Close(wfd); err != nil {
		t.Fatal(err)
	}

	fds := []unix.PollFd{{Fd: int32(rfd), Events: unix.POLLIN}}
	n, err := v.Poll(fds, 0)
	if err != nil || n != 1 {
		t.Fatalf("poll = (%d, %v), want 1", n, err)
	}
	if fds[0].Revents&unix.POLLHUP == 0 {
		t.Errorf("no POLLHUP after peer close: %#x", fds[0].Revents)
	}
}

func TestEpollWait(t *testing.T) {
	v, _ := newTestVFS(t)
	rfd, wfd, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}

	epfd, err := v.EpollCreate()
	if err != nil {
		t.Fatal(err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(rfd)}
	if err := v.EpollCtl(epfd, unix.EPOLL_CTL_ADD, rfd, &ev); err != nil {
		t.Fatalf("epoll_ctl add: %v", err)
	}
	if err := v.EpollCtl(epfd, unix.EPOLL_CTL_ADD, rfd, &ev); err == nil {
		t.Errorf("duplicate add did not fail")
	}

	events := make([]unix.EpollEvent, 4)
	n, err := v.EpollWait(epfd, events, 0)
	if err != nil || n != 0 {
		t.Fatalf("epoll_wait idle = (%d, %v), want 0", n, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		v.Write(wfd, []byte("z"))
	}()
	n, err = v.EpollWait(epfd, events, 5*time.Second)
	if err != nil || n != 1 {
		t.Fatalf("epoll_wait = (%d, %v), want 1", n, err)
	}
	if events[0].Events&unix.EPOLLIN == 0 {
		t.Errorf("events = %#x, want EPOLLIN", events[0].Events)
	}
	if events[0].Fd != int32(rfd) {
		t.Errorf("cookie = %d, want %d", events[0].Fd, rfd)
	}

	if err := v.EpollCtl(epfd, unix.EPOLL_CTL_DEL, rfd, nil); err != nil {
		t.Fatalf("epoll_ctl del: %v", err)
	}
	n, err = v.EpollWait(epfd, events, 0)
	if err != nil || n != 0 {
		t.Errorf("epoll_wait after del = (%d, %v), want 0", n, err)
	}
}

func TestEpollCtlErrors(t *testing.T) {
	v, _ := newTestVFS(t)
	epfd, err := v.EpollCreate()
	if err != nil {
		t.Fatal(err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	if err := v.EpollCtl(epfd, unix.EPOLL_CTL_ADD, 999, &ev); err == nil {
		t.Errorf("add of unknown fd did not fail")
	}
	if err := v.EpollCtl(epfd, unix.EPOLL_CTL_ADD, epfd, &ev); err == nil {
		t.Errorf("adding the epoll fd to itself did not fail")
	}
	rfd, _, err := v.Pipe2(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.EpollCtl(epfd, unix.EPOLL_CTL_MOD, rfd, &ev); err == nil {
		t.Errorf("mod of unregistered fd did not fail")
	}
}
