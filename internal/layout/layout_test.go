package layout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesLayoutAndLocks(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for _, dir := range []string{
		filepath.Dir(l.DBPath()),
		l.BlobsDir(),
		filepath.Dir(l.ImageIndexPath()),
	} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist, err=%v", dir, err)
		}
	}

	if _, err := Open(home); err == nil {
		t.Error("expected second Open on the same home to fail while the first holds the lock")
	}
}

func TestCloseReleasesLock(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(home)
	if err != nil {
		t.Fatalf("Open after Close should succeed: %v", err)
	}
	defer l2.Close()
}

func TestBoxDirsLifecycle(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	const boxID = "box-abc123"
	if err := l.CreateBoxDirs(boxID); err != nil {
		t.Fatalf("CreateBoxDirs: %v", err)
	}
	for _, dir := range []string{l.BoxRootfsDir(boxID), l.BoxWorkDir(boxID), l.BoxLogsDir(boxID), l.BoxSocketsDir(boxID)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected %s to exist after CreateBoxDirs", dir)
		}
	}

	if err := l.RemoveBoxDirs(boxID); err != nil {
		t.Fatalf("RemoveBoxDirs: %v", err)
	}
	if _, err := os.Stat(l.BoxDir(boxID)); !os.IsNotExist(err) {
		t.Errorf("expected box dir to be gone after RemoveBoxDirs, err=%v", err)
	}
}
