package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDirExpandsHomeAndCreatesDirectory(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	dir, err := ResolveDir("~/scratch")
	if err != nil {
		t.Fatalf("ResolveDir error: %v", err)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(homeDir, "scratch"))
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if dir != want {
		t.Fatalf("ResolveDir = %q, want %q", dir, want)
	}

	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		t.Fatalf("directory missing: %v", statErr)
	}
}

func TestResolveDirRejectsEmpty(t *testing.T) {
	if _, err := ResolveDir("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestResolveDefaults(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	layout, err := Resolve("", "", "")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	root, err := filepath.EvalSymlinks(filepath.Join(homeDir, ".timelessbot"))
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if layout.Root != root {
		t.Fatalf("root = %q, want %q", layout.Root, root)
	}
	if layout.ScratchDir != filepath.Join(root, "scratch") {
		t.Fatalf("scratch = %q", layout.ScratchDir)
	}
	if layout.ArchivePath != filepath.Join(root, "media.db") {
		t.Fatalf("archive = %q", layout.ArchivePath)
	}
	if _, err := os.Stat(layout.ArchivePath); !os.IsNotExist(err) {
		t.Fatalf("archive file should not be created, stat err = %v", err)
	}
}

func TestResolveKeepsAbsolutePaths(t *testing.T) {
	root := t.TempDir()
	elsewhere := t.TempDir()

	layout, err := Resolve(root, filepath.Join(elsewhere, "tmp"), filepath.Join(elsewhere, "db", "archive.db"))
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	resolvedElsewhere, err := filepath.EvalSymlinks(elsewhere)
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if layout.ScratchDir != filepath.Join(resolvedElsewhere, "tmp") {
		t.Fatalf("scratch = %q", layout.ScratchDir)
	}
	if layout.ArchivePath != filepath.Join(resolvedElsewhere, "db", "archive.db") {
		t.Fatalf("archive = %q", layout.ArchivePath)
	}
}
