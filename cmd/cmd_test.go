package cmd

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/vsfs/fsys/vsfs"
)

// newTestFS formats a small image and creates the given name, content pairs
// in order.
func newTestFS(t *testing.T, files ...string) *vsfs.FS {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	data := make([]byte, 64*vsfs.BlockSize)
	id := uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f")
	if err := vsfs.Format(data, vsfs.FormatOptions{Inodes: 16, UUID: id, Now: now}); err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	v, err := vsfs.Open(data, vsfs.Options{Logger: log, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })

	for i := 0; i+1 < len(files); i += 2 {
		name := "/" + files[i]
		if _, err := v.Create(name, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := v.WriteAt(name, []byte(files[i+1]), 0); err != nil {
			t.Fatal(err)
		}
	}
	return v
}

func TestLs(t *testing.T) {
	v := newTestFS(t, "a.txt", "a", "b.txt", "bb")

	tests := []struct {
		name string
		path string
		opts LsOptions
		want string
	}{
		{"root", "/", LsOptions{}, "a.txt\nb.txt\n"},
		{"empty path", "", LsOptions{}, "a.txt\nb.txt\n"},
		{"file", "/b.txt", LsOptions{}, "b.txt\n"},
		{"long file", "b.txt", LsOptions{Long: true}, "       3 -rw-r--r--            2 Mar  1 12:00 b.txt\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := Ls(v, tt.path, &out, tt.opts); err != nil {
				t.Fatalf("Ls() error: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("Ls() =\n%q\nwant:\n%q", out.String(), tt.want)
			}
		})
	}

	if err := Ls(v, "/missing", io.Discard, LsOptions{}); err == nil {
		t.Error("Expected error for a missing path")
	}
}

func TestCat(t *testing.T) {
	big := strings.Repeat("0123456789abcdef", 2000) // spans 8 blocks
	v := newTestFS(t, "small", "hi\n", "big", big, "empty", "")

	for name, want := range map[string]string{"small": "hi\n", "big": big, "empty": ""} {
		var out bytes.Buffer
		if err := Cat(v, "/"+name, &out); err != nil {
			t.Fatalf("Cat(%q) error: %v", name, err)
		}
		if out.String() != want {
			t.Errorf("Cat(%q) returned %d bytes, want %d", name, out.Len(), len(want))
		}
	}

	if err := Cat(v, "/", io.Discard); err == nil {
		t.Error("Expected error for the root directory")
	}
}

func TestStat(t *testing.T) {
	v := newTestFS(t, "f", "hello")
	var out bytes.Buffer
	if err := Stat(v, "/f", &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"File: f", "Size: 5", "Inode: 2", "Extent: file [0, 5) at image offset 24576"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Stat() output missing %q:\n%s", want, out.String())
		}
	}
}

func TestInfoFreeFsck(t *testing.T) {
	v := newTestFS(t, "f", "hello")

	var out bytes.Buffer
	if err := Info(v, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f",
		"64 total, 57 free, 7 used",
		"16 total, 13 free, 3 used",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Info() output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := Free(v, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "233472 bytes free in 1 ranges") {
		t.Errorf("Free() output:\n%s", out.String())
	}

	out.Reset()
	if err := Fsck(v, &out); err != nil || out.String() != "clean\n" {
		t.Errorf("Fsck() = %v, output %q", err, out.String())
	}
}
