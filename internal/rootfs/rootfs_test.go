package rootfs

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAssembleStacksLayersBottomToTop(t *testing.T) {
	root := t.TempDir()
	lower := filepath.Join(root, "lower")
	upper := filepath.Join(root, "upper")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(lower, "etc", "os-release"), "lower\n")
	writeFile(t, filepath.Join(lower, "bin", "sh"), "lower-sh\n")
	writeFile(t, filepath.Join(upper, "bin", "sh"), "upper-sh\n")

	if err := Assemble([]string{lower, upper}, dest); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "bin", "sh"))
	if err != nil {
		t.Fatalf("read bin/sh: %v", err)
	}
	if string(got) != "upper-sh\n" {
		t.Errorf("bin/sh = %q, want upper layer to win", got)
	}

	got, err = os.ReadFile(filepath.Join(dest, "etc", "os-release"))
	if err != nil {
		t.Fatalf("read etc/os-release: %v", err)
	}
	if string(got) != "lower\n" {
		t.Errorf("etc/os-release = %q, want lower layer to survive untouched", got)
	}
}

func TestAssembleAppliesWhiteout(t *testing.T) {
	root := t.TempDir()
	lower := filepath.Join(root, "lower")
	upper := filepath.Join(root, "upper")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(lower, "etc", "hosts"), "lower-hosts\n")
	writeFile(t, filepath.Join(upper, "etc", ".wh.hosts"), "")

	if err := Assemble([]string{lower, upper}, dest); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "etc", "hosts")); !os.IsNotExist(err) {
		t.Errorf("expected etc/hosts to be hidden by whiteout, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "etc", ".wh.hosts")); !os.IsNotExist(err) {
		t.Errorf("whiteout marker itself should not appear in dest, stat err = %v", err)
	}
}

func TestAssembleAppliesOpaqueDir(t *testing.T) {
	root := t.TempDir()
	lower := filepath.Join(root, "lower")
	upper := filepath.Join(root, "upper")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(lower, "var", "log", "a.log"), "a\n")
	writeFile(t, filepath.Join(lower, "var", "log", "b.log"), "b\n")
	writeFile(t, filepath.Join(upper, "var", "log", ".wh..wh..opq"), "")
	writeFile(t, filepath.Join(upper, "var", "log", "c.log"), "c\n")

	if err := Assemble([]string{lower, upper}, dest); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dest, "var", "log"))
	if err != nil {
		t.Fatalf("read dest/var/log: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "c.log" {
		t.Errorf("opaque dir should hide lower entries, got %v", entries)
	}
}

func TestAssembleIsIdempotent(t *testing.T) {
	root := t.TempDir()
	lower := filepath.Join(root, "lower")
	dest := filepath.Join(root, "dest")
	writeFile(t, filepath.Join(lower, "a"), "a\n")
	writeFile(t, filepath.Join(dest, "stale"), "leftover\n")

	if err := Assemble([]string{lower}, dest); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "stale")); !os.IsNotExist(err) {
		t.Errorf("Assemble should clear dest before composing, stale file still present")
	}
}

func TestWriteResolvConfAndHostname(t *testing.T) {
	dir := t.TempDir()
	if err := WriteResolvConf(dir, nil); err != nil {
		t.Fatalf("WriteResolvConf: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "etc", "resolv.conf"))
	if err != nil {
		t.Fatalf("read resolv.conf: %v", err)
	}
	if string(data) != "nameserver 8.8.8.8\n" {
		t.Errorf("resolv.conf = %q", data)
	}

	if err := WriteHostname(dir, "box-1"); err != nil {
		t.Fatalf("WriteHostname: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(dir, "etc", "hostname"))
	if err != nil {
		t.Fatalf("read hostname: %v", err)
	}
	if string(data) != "box-1\n" {
		t.Errorf("hostname = %q", data)
	}
}
