package mapfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/lvdlvd/vsfs/fsys/vsfs"
)

func TestCreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	m, err := Create(path, 4*vsfs.BlockSize)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if got := len(m.Bytes()); got != 4*vsfs.BlockSize {
		t.Errorf("len(Bytes()) = %d, want %d", got, 4*vsfs.BlockSize)
	}
	copy(m.Bytes()[vsfs.BlockSize:], "through the mapping")
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw[vsfs.BlockSize:], []byte("through the mapping")) {
		t.Error("write through the mapping did not reach the file")
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly() error: %v", err)
	}
	defer ro.Close()
	if !bytes.Equal(ro.Bytes(), raw) {
		t.Error("read-only mapping differs from file contents")
	}
	if err := ro.Sync(); err != nil {
		t.Errorf("Sync() on read-only mapping error: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"unaligned", vsfs.BlockSize + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, make([]byte, tt.size), 0o644); err != nil {
				t.Fatal(err)
			}
			if m, err := Open(path); err == nil {
				m.Close()
				t.Error("Expected error")
			}
		})
	}

	if _, err := Open(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for a missing file")
	}
	if _, err := Create(filepath.Join(dir, "bad"), 100); err == nil {
		t.Error("Expected error for an unaligned size")
	}
}
