package vfs_test

import (
	"syscall"
	"testing"
	"time"

	"ptl/pkg/memfs"
	"ptl/pkg/vfs"
)

func newPreopenVFS(t *testing.T) (*vfs.VFS, *memfs.FS) {
	t.Helper()
	v := vfs.New(vfs.Options{EnablePreopen: true})
	fs := memfs.New(memfs.Config{})
	if err := v.Mount("/", fs); err != nil {
		t.Fatal(err)
	}
	return v, fs
}

func TestPreopenHit(t *testing.T) {
	v, fs := newPreopenVFS(t)
	fs.WriteFile("/etc/passwd", []byte("root:x:0:0"), 0644)

	if err := v.SchedulePreopen("/etc/passwd"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	v.SetHostReady()

	// An eligible open takes the worker's fd, waiting for a pending
	// entry if it gets there first.
	fd, err := v.Open("/etc/passwd", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if fd != 3 {
		t.Errorf("preopened fd = %d, want 3 (the worker's open was first)", fd)
	}
	buf := make([]byte, 16)
	n, err := v.Read(fd, buf)
	if err != nil || string(buf[:n]) != "root:x:0:0" {
		t.Fatalf("read preopened = (%q, %v)", buf[:n], err)
	}

	// The cache is single-shot: a second open is a fresh one.
	fd2, err := v.Open("/etc/passwd", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if fd2 == fd {
		t.Errorf("second open returned the same fd %d", fd2)
	}
}

func TestPreopenIneligibleFlagsBypass(t *testing.T) {
	v, fs := newPreopenVFS(t)
	fs.WriteFile("/cfg", []byte("k=v"), 0644)

	if err := v.SchedulePreopen("/cfg"); err != nil {
		t.Fatal(err)
	}
	v.SetHostReady()
	time.Sleep(50 * time.Millisecond) // give the worker a chance to park the fd

	// A write-mode open must invalidate the cached fd, not consume it.
	fd, err := v.Open("/cfg", vfs.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open O_RDWR: %v", err)
	}
	if fd != 3 {
		// The worker's fd 3 was closed by invalidation, so the
		// write-mode open gets the lowest fd back.
		t.Errorf("fd = %d, want 3 after the cached fd was closed", fd)
	}
}

func TestPreopenInvalidation(t *testing.T) {
	v, fs := newPreopenVFS(t)
	fs.WriteFile("/tmp/x", []byte("stale"), 0644)

	if err := v.SchedulePreopen("/tmp/x"); err != nil {
		t.Fatal(err)
	}
	// Unlink lands before the worker ever runs: the entry must not be
	// resurrected.
	if err := v.Unlink("/tmp/x"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	v.SetHostReady()
	time.Sleep(50 * time.Millisecond)

	if _, err := v.Open("/tmp/x", vfs.O_RDONLY, 0); err != syscall.ENOENT {
		t.Errorf("open after unlink = %v, want ENOENT", err)
	}
}

func TestPreopenMissingFile(t *testing.T) {
	v, _ := newPreopenVFS(t)

	if err := v.SchedulePreopen("/no/such"); err != nil {
		t.Fatal(err)
	}
	v.SetHostReady()

	// The worker parks an error marker; open retries for real and
	// reports the genuine errno.
	if _, err := v.Open("/no/such", vfs.O_RDONLY, 0); err != syscall.ENOENT {
		t.Errorf("open = %v, want ENOENT", err)
	}
}

func TestPreopenDisabledDoesNotBlock(t *testing.T) {
	v := vfs.New(vfs.Options{})
	fs := memfs.New(memfs.Config{})
	if err := v.Mount("/", fs); err != nil {
		t.Fatal(err)
	}
	fs.WriteFile("/f", []byte("x"), 0644)

	if err := v.SchedulePreopen("/f"); err != nil {
		t.Fatal(err)
	}
	v.SetHostReady() // preopen knob off; no worker starts

	done := make(chan error, 1)
	go func() {
		_, err := v.Open("/f", vfs.O_RDONLY, 0)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("open = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open blocked on a preopen entry that will never complete")
	}
}

func TestScheduleAfterStartFails(t *testing.T) {
	v, _ := newPreopenVFS(t)
	v.SetHostReady()
	if err := v.SchedulePreopen("/late"); err != syscall.EINVAL {
		t.Errorf("schedule after start = %v, want EINVAL", err)
	}
}
