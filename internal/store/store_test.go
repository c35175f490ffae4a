package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInsertAndRead(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h, err := s.Insert([]byte("hello world"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	defer h.Release()

	data, err := s.Read(h.Key())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("data = %q, want %q", data, "hello world")
	}
}

func TestInsertIsContentAddressed(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h1, err := s.Insert([]byte("same bytes"))
	if err != nil {
		t.Fatalf("insert h1: %v", err)
	}
	h2, err := s.Insert([]byte("same bytes"))
	if err != nil {
		t.Fatalf("insert h2: %v", err)
	}

	if h1.Key() != h2.Key() {
		t.Errorf("keys differ for identical content: %v != %v", h1.Key(), h2.Key())
	}
	h1.Release()
	h2.Release()
}

func TestEvictionRespectsPinnedHandles(t *testing.T) {
	s, err := Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h, err := s.Insert([]byte("this blob is definitely bigger than one byte"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Still pinned: eviction must not touch it even though it's over
	// budget.
	if !s.Has(h.Key()) {
		t.Fatal("pinned blob should still be present")
	}

	h.Release()
	// Released and over budget: Release itself evicts the
	// now-unreferenced blob, so it is gone after the next insert too.
	if _, err := s.Insert([]byte("another blob to force an eviction pass here")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if s.Has(h.Key()) {
		t.Error("released blob over budget should have been evicted")
	}
}

func TestWriteToSetsPermissions(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h, err := s.Insert([]byte("exec me"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	defer h.Release()

	dest := filepath.Join(t.TempDir(), "out")
	if err := s.WriteTo(h.Key(), dest, 0500); err != nil {
		t.Fatalf("write to: %v", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0500 {
		t.Errorf("perm = %o, want 0500", info.Mode().Perm())
	}
}
