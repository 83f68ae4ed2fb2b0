// Package rootfs composes a box's overlay root filesystem from cached OCI
// layers. The runtime never requires host root, so unlike a kernel overlayfs
// mount, composition here is a physical bottom-up merge
// into the box's rootfs/ directory: whiteout markers are resolved and
// discarded as each layer is applied, the way containerd's snapshotters
// apply layers when overlayfs devices aren't available to an unprivileged
// caller. The per-box work/ directory is left for the guest's own kernel to
// use as the writable upper when it performs the final in-guest mount --
// that half of the overlay is intentionally out of this host-side package's
// scope.
package rootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// whiteoutPrefix marks a single hidden entry; see OCI image-spec layer.md.
const whiteoutPrefix = ".wh."

// whiteoutOpaque marks an entire directory's lower contents as hidden.
const whiteoutOpaque = ".wh..wh..opq"

// Assemble composes destDir from layerDirs, applied bottom (index 0) to top
// (last index), honoring whiteout and opaque-directory markers. destDir is
// created fresh; any prior contents are removed first so assembly is
// idempotent.
func Assemble(layerDirs []string, destDir string) error {
	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("rootfs: clear dest: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("rootfs: create dest: %w", err)
	}

	for _, layer := range layerDirs {
		if err := applyLayer(layer, destDir); err != nil {
			return fmt.Errorf("rootfs: apply layer %s: %w", layer, err)
		}
	}
	return nil
}

// applyLayer merges one layer directory on top of the already-composed
// destDir, in place.
func applyLayer(layerDir, destDir string) error {
	return filepath.WalkDir(layerDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(layerDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		name := filepath.Base(rel)
		destPath := filepath.Join(destDir, rel)

		if name == whiteoutOpaque {
			// Hide everything already composed under this directory, then
			// skip the marker itself.
			dir := filepath.Dir(destPath)
			entries, err := os.ReadDir(dir)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			for _, e := range entries {
				if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
					return err
				}
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, whiteoutPrefix) {
			hidden := filepath.Join(filepath.Dir(destPath), strings.TrimPrefix(name, whiteoutPrefix))
			if err := os.RemoveAll(hidden); err != nil {
				return err
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(destPath, info.Mode().Perm()|0o700)
		}

		return placeFile(path, destPath, d)
	})
}

// placeFile copies or links src onto dest, replacing whatever was there
// (lower layers or a stale entry from a previous assembly).
func placeFile(src, dest string, d os.DirEntry) error {
	if err := os.RemoveAll(dest); err != nil {
		return err
	}

	info, err := d.Info()
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	}

	// Try a hardlink first: layers are immutable once cached, so sharing
	// inodes across boxes that stack the same layer is safe and cheap.
	if err := os.Link(src, dest); err == nil {
		return nil
	}

	return copyFile(src, dest, info.Mode().Perm())
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// IsWhiteout reports whether name is an OCI whiteout marker (either form).
func IsWhiteout(name string) bool {
	return name == whiteoutOpaque || strings.HasPrefix(name, whiteoutPrefix)
}

// WriteResolvConf writes a minimal per-box /etc/resolv.conf, as required by
// initialization pipeline stage 3.
func WriteResolvConf(rootfsDir string, nameservers []string) error {
	if len(nameservers) == 0 {
		nameservers = []string{"8.8.8.8"}
	}
	var sb strings.Builder
	for _, ns := range nameservers {
		fmt.Fprintf(&sb, "nameserver %s\n", ns)
	}
	path := filepath.Join(rootfsDir, "etc", "resolv.conf")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// WriteHostname writes a minimal per-box /etc/hostname.
func WriteHostname(rootfsDir, hostname string) error {
	path := filepath.Join(rootfsDir, "etc", "hostname")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hostname+"\n"), 0o644)
}
