package redirect_test

import (
	"syscall"
	"testing"

	"ptl/pkg/memfs"
	"ptl/pkg/redirect"
	"ptl/pkg/vfs"
)

func newOverlayVFS(t *testing.T) (*vfs.VFS, *redirect.Handler, *memfs.FS) {
	t.Helper()
	under := memfs.New(memfs.Config{})
	h := redirect.New(under)
	v := vfs.New(vfs.Options{})
	if err := v.Mount("/", h); err != nil {
		t.Fatal(err)
	}
	return v, h, under
}

func TestSymlinkRedirect(t *testing.T) {
	v, h, under := newOverlayVFS(t)
	under.WriteFile("/system/lib/libc.so", []byte("ELF"), 0644)
	h.AddSymlink("/system/lib", "/lib")

	// Opening through the link lands on the target handler path.
	fd, err := v.Open("/lib/libc.so", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open via link: %v", err)
	}
	defer v.Close(fd)
	buf := make([]byte, 8)
	n, err := v.Read(fd, buf)
	if err != nil || string(buf[:n]) != "ELF" {
		t.Fatalf("read = (%q, %v)", buf[:n], err)
	}

	target, err := v.Readlink("/lib")
	if err != nil || target != "/system/lib" {
		t.Errorf("readlink = (%q, %v), want /system/lib", target, err)
	}

	fi, err := v.Lstat("/lib")
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if fi.Mode != syscall.S_IFLNK|0777 {
		t.Errorf("lstat mode = %#o, want S_IFLNK|0777", fi.Mode)
	}
	if fi.Size != int64(len("/system/lib")) {
		t.Errorf("lstat size = %d, want %d", fi.Size, len("/system/lib"))
	}

	// Stat follows the link to the directory.
	fi, err = v.Stat("/lib")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !fi.IsDir {
		t.Errorf("stat through link is not a directory")
	}
}

func TestSymlinkInDirectoryListing(t *testing.T) {
	v, h, under := newOverlayVFS(t)
	under.WriteFile("/real", []byte("r"), 0644)
	h.AddSymlink("/system/lib", "/lib")

	fd, err := v.Open("/", vfs.O_RDONLY|vfs.O_DIRECTORY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close(fd)
	entries, err := v.Getdents(fd, 16)
	if err != nil {
		t.Fatal(err)
	}
	var sawLink, sawReal bool
	for _, e := range entries {
		switch e.Name {
		case "lib":
			sawLink = true
			if e.Type != vfs.DTLnk {
				t.Errorf("lib entry type = %d, want DT_LNK", e.Type)
			}
		case "real":
			sawReal = true
		}
	}
	if !sawLink || !sawReal {
		t.Errorf("listing missed entries: link=%v real=%v (%v)", sawLink, sawReal, entries)
	}
}

func TestSymlinkCreateAndUnlink(t *testing.T) {
	v, _, under := newOverlayVFS(t)
	under.MkdirAll("/data", 0755)

	if err := v.Symlink("/data", "/dlink"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := v.Symlink("/data", "/dlink"); err != syscall.EEXIST {
		t.Errorf("second symlink = %v, want EEXIST", err)
	}
	if got, err := v.Readlink("/dlink"); err != nil || got != "/data" {
		t.Fatalf("readlink = (%q, %v)", got, err)
	}

	// Unlink removes the link, not the target.
	if err := v.Unlink("/dlink"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := v.Readlink("/dlink"); err == nil {
		t.Errorf("readlink after unlink should fail")
	}
	if _, err := v.Stat("/data"); err != nil {
		t.Errorf("target vanished with the link: %v", err)
	}
}

func TestReadlinkOnNonLink(t *testing.T) {
	v, _, under := newOverlayVFS(t)
	under.WriteFile("/plain", nil, 0644)

	if _, err := v.Readlink("/plain"); err != syscall.EINVAL {
		t.Errorf("readlink on file = %v, want EINVAL", err)
	}
}

func TestRenameLink(t *testing.T) {
	v, h, under := newOverlayVFS(t)
	under.MkdirAll("/target", 0755)
	h.AddSymlink("/target", "/old")

	if err := v.Rename("/old", "/new"); err != nil {
		t.Fatalf("rename link: %v", err)
	}
	if _, err := v.Readlink("/old"); err == nil {
		t.Errorf("old link still present")
	}
	if got, err := v.Readlink("/new"); err != nil || got != "/target" {
		t.Errorf("new link = (%q, %v)", got, err)
	}
}
