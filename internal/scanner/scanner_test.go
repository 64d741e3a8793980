package scanner

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWalkFiltersByExtensionAndSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp4"), 2000)
	writeFile(t, filepath.Join(root, "b.mp4"), 10) // too small
	writeFile(t, filepath.Join(root, "c.txt"), 2000) // wrong extension
	writeFile(t, filepath.Join(root, "sub", "d.MP4"), 2000) // uppercase extension

	results, err := Walk(root, Options{Extensions: []string{".mp4"}, MinSizeBytes: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}
	names := map[string]bool{}
	for _, r := range results {
		names[filepath.Base(r.Path)] = true
	}
	if !names["a.mp4"] || !names["d.MP4"] {
		t.Fatalf("unexpected result set: %v", names)
	}
}

func TestWalkPrunesOutputSuffixedDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "in", "keep.mp4"), 2000)
	writeFile(t, filepath.Join(root, "in_out", "skip.mp4"), 2000)

	results, err := Walk(root, Options{Extensions: []string{".mp4"}, MinSizeBytes: 0, OutputSuffix: "_out"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result (pruned _out dir), got %d: %+v", len(results), results)
	}
	if filepath.Base(results[0].Path) != "keep.mp4" {
		t.Fatalf("wrong file kept: %+v", results[0])
	}
}

func TestWalkAllIgnoresExtensionAndSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp4"), 10)
	writeFile(t, filepath.Join(root, "b.txt"), 10)
	writeFile(t, filepath.Join(root, "skip_out", "c.mp4"), 10)

	results, err := WalkAll(root, "_out")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (pruned _out), got %d: %+v", len(results), results)
	}
}

func TestIsDir(t *testing.T) {
	root := t.TempDir()
	ok, err := IsDir(root)
	if err != nil || !ok {
		t.Fatalf("expected %s to be a dir, got ok=%v err=%v", root, ok, err)
	}

	file := filepath.Join(root, "f.txt")
	writeFile(t, file, 1)
	ok, err = IsDir(file)
	if err != nil || ok {
		t.Fatalf("expected %s to not be a dir, got ok=%v err=%v", file, ok, err)
	}

	_, err = IsDir(filepath.Join(root, "missing"))
	if err == nil {
		t.Fatal("expected error for missing path")
	}
}
