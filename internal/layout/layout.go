// Package layout resolves and locks the runtime home directory and
// calculates every path derived from it, using a single flock-based
// advisory lock to guard against two runtimes sharing one home directory.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const (
	lockFileName = "boxlite.lock"
	dbDirName    = "db"
	imagesDir    = "images"
	blobsDir     = "blobs/sha256"
	layersDir    = "layers"
	boxesDir     = "boxes"
	initRootfs   = "init/rootfs"
	logsDir      = "logs"
)

// Layout holds the resolved runtime home and the held advisory lock.
type Layout struct {
	Home string

	lockFile *os.File
}

// Open resolves home (creating it if absent) and acquires the single
// advisory filesystem lock for the runtime's lifetime. Two runtimes cannot
// operate on the same home directory concurrently.
func Open(home string) (*Layout, error) {
	if home == "" {
		return nil, fmt.Errorf("layout: empty home directory")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("layout: create home: %w", err)
	}

	for _, dir := range []string{
		filepath.Join(home, dbDirName),
		filepath.Join(home, imagesDir, blobsDir),
		filepath.Join(home, imagesDir, layersDir),
		filepath.Join(home, boxesDir),
		filepath.Join(home, initRootfs),
		filepath.Join(home, logsDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("layout: create %s: %w", dir, err)
		}
	}

	lf, err := acquireLock(filepath.Join(home, lockFileName))
	if err != nil {
		return nil, err
	}

	return &Layout{Home: home, lockFile: lf}, nil
}

// Close releases the advisory lock. Safe to call once; further calls are
// no-ops.
func (l *Layout) Close() error {
	if l.lockFile == nil {
		return nil
	}
	syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	err := l.lockFile.Close()
	l.lockFile = nil
	return err
}

func (l *Layout) DBPath() string {
	return filepath.Join(l.Home, dbDirName, "boxlite.db")
}

func (l *Layout) BlobPath(digestHex string) string {
	return filepath.Join(l.Home, imagesDir, blobsDir, digestHex)
}

func (l *Layout) BlobsDir() string {
	return filepath.Join(l.Home, imagesDir, blobsDir)
}

func (l *Layout) LayerDir(digestHex string) string {
	return filepath.Join(l.Home, imagesDir, layersDir, digestHex)
}

func (l *Layout) ImageIndexPath() string {
	return filepath.Join(l.Home, imagesDir, "index.json")
}

// BoxDir returns the {id} subtree root for a box.
func (l *Layout) BoxDir(id string) string {
	return filepath.Join(l.Home, boxesDir, id)
}

func (l *Layout) BoxRootfsDir(id string) string   { return filepath.Join(l.BoxDir(id), "rootfs") }
func (l *Layout) BoxWorkDir(id string) string     { return filepath.Join(l.BoxDir(id), "work") }
func (l *Layout) BoxLogsDir(id string) string      { return filepath.Join(l.BoxDir(id), "logs") }
func (l *Layout) BoxSocketsDir(id string) string   { return filepath.Join(l.BoxDir(id), "sockets") }
func (l *Layout) BoxConfigPath(id string) string   { return filepath.Join(l.BoxDir(id), "config.json") }
func (l *Layout) BoxDiskPath(id string) string     { return filepath.Join(l.BoxDir(id), "disk.qcow2") }

// CreateBoxDirs materializes the per-box subtree (rootfs, work, logs,
// sockets) for box id. Idempotent; on any failure no partial directories are
// left, since stage 1 of the initialization pipeline requires this.
func (l *Layout) CreateBoxDirs(id string) error {
	dirs := []string{
		l.BoxRootfsDir(id),
		l.BoxWorkDir(id),
		l.BoxLogsDir(id),
		l.BoxSocketsDir(id),
	}
	created := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			for _, c := range created {
				os.RemoveAll(c)
			}
			os.Remove(l.BoxDir(id))
			return fmt.Errorf("layout: create box dirs for %s: %w", id, err)
		}
		created = append(created, d)
	}
	return nil
}

// RemoveBoxDirs deletes a box's entire subtree.
func (l *Layout) RemoveBoxDirs(id string) error {
	return os.RemoveAll(l.BoxDir(id))
}

func (l *Layout) InitRootfsDir() string {
	return filepath.Join(l.Home, initRootfs)
}

func (l *Layout) RuntimeLogPath() string {
	return filepath.Join(l.Home, logsDir, "boxlite.log")
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("layout: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("layout: runtime home %s already in use: %w", filepath.Dir(path), err)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}
