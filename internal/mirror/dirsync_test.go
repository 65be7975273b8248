package mirror

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirSyncRejectsTraversal(t *testing.T) {
	if err := validateDirectoryPath("../etc"); err == nil {
		t.Error("validateDirectoryPath(\"../etc\") = nil, want an error")
	}
}

func TestDirSyncAcceptsCleanPath(t *testing.T) {
	if err := validateDirectoryPath(t.TempDir()); err != nil {
		t.Errorf("validateDirectoryPath(tempdir) = %v, want nil", err)
	}
}

func TestDirSyncOnRealDirectory(t *testing.T) {
	if err := DirSync(t.TempDir()); err != nil {
		t.Errorf("DirSync: %v", err)
	}
}

func TestDirSyncTreeWalksSubdirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := DirSyncTree(dir); err != nil {
		t.Errorf("DirSyncTree: %v", err)
	}
}
