package vfs

import "testing"

func TestMemDriverWriteReadRoundTrip(t *testing.T) {
	d := NewMemDriver()
	if err := d.Write("/hello.txt", []byte("hi"), 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := d.Read("/hello.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("expected %q, got %q", "hi", got)
	}
}

func TestMemDriverWriteRejectsMissingParent(t *testing.T) {
	d := NewMemDriver()
	if err := d.Write("/missing/file.txt", []byte("x"), 0644); err == nil {
		t.Fatal("expected Write into a non-existent directory to fail")
	}
}

func TestMemDriverMkdirAndListDir(t *testing.T) {
	d := NewMemDriver()
	if err := d.Mkdir("/etc"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := d.Write("/etc/passwd", []byte("root"), 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := d.ListDir("/etc")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 1 || entries[0] != "passwd" {
		t.Fatalf("expected [passwd], got %v", entries)
	}
}

func TestMemDriverRmdirRequiresEmpty(t *testing.T) {
	d := NewMemDriver()
	d.Mkdir("/var")
	d.Write("/var/log", []byte("x"), 0644)

	if err := d.Rmdir("/var"); err == nil {
		t.Fatal("expected Rmdir to fail on a non-empty directory")
	}
	d.Delete("/var/log")
	if err := d.Rmdir("/var"); err != nil {
		t.Fatalf("expected Rmdir to succeed once empty: %v", err)
	}
}

func TestMemDriverIsDirEmpty(t *testing.T) {
	d := NewMemDriver()
	d.Mkdir("/tmp")
	empty, err := d.IsDirEmpty("/tmp")
	if err != nil || !empty {
		t.Fatalf("expected /tmp to be empty, got empty=%v err=%v", empty, err)
	}
	d.Write("/tmp/a", []byte("a"), 0644)
	empty, err = d.IsDirEmpty("/tmp")
	if err != nil || empty {
		t.Fatalf("expected /tmp to be non-empty, got empty=%v err=%v", empty, err)
	}
}

func TestMountTableResolvesLongestPrefix(t *testing.T) {
	var tbl MountTable
	root := NewMemDriver()
	etc := NewMemDriver()
	if err := tbl.Mount("/", root); err != nil {
		t.Fatalf("Mount /: %v", err)
	}
	if err := tbl.Mount("/etc", etc); err != nil {
		t.Fatalf("Mount /etc: %v", err)
	}

	d, rest, err := tbl.Resolve("/etc/passwd")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d != Driver(etc) {
		t.Fatal("expected the longer /etc prefix to win over /")
	}
	if rest != "/passwd" {
		t.Fatalf("expected remainder /passwd, got %q", rest)
	}

	d2, _, err := tbl.Resolve("/home/user")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d2 != Driver(root) {
		t.Fatal("expected unmatched paths to fall back to the root mount")
	}
}

func TestMountTableRejectsPastMaxMounts(t *testing.T) {
	var tbl MountTable
	for i := 0; i < MaxMounts; i++ {
		if err := tbl.Mount("/m", NewMemDriver()); err != nil {
			t.Fatalf("Mount %d: %v", i, err)
		}
	}
	if err := tbl.Mount("/one-too-many", NewMemDriver()); err == nil {
		t.Fatal("expected Mount to fail once MaxMounts entries are registered")
	}
}

func TestMountTableResolveWithNoMounts(t *testing.T) {
	var tbl MountTable
	if _, _, err := tbl.Resolve("/anything"); err == nil {
		t.Fatal("expected Resolve against an empty table to fail")
	}
}
