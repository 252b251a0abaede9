package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMoveFolderRelocatesTree(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "part.nc"), []byte("G01"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := MoveFolder(src, dst); err != nil {
		t.Fatalf("MoveFolder: %v", err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("src should be gone, stat err = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "nested", "part.nc"))
	if err != nil {
		t.Fatalf("read moved file: %v", err)
	}
	if string(got) != "G01" {
		t.Fatalf("content = %q", got)
	}
}

func TestMoveFolderResolvesCollision(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatalf("mkdir dst: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.nc"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := MoveFolder(src, dst); err != nil {
		t.Fatalf("MoveFolder: %v", err)
	}

	renamed := dst + "-2"
	if _, err := os.Stat(renamed); err != nil {
		t.Fatalf("expected collision rename at %s: %v", renamed, err)
	}
}

func TestWriteAtomicReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	if err := WriteAtomic(path, []byte("new"), 0o644); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("content = %q, want new", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "out.csv" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}
