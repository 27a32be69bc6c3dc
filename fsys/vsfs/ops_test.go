package vsfs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestLookup(t *testing.T) {
	f := newTestFS(t, 64, 16)
	ino, err := f.Create("/a", 0o644)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	tests := []struct {
		path    string
		want    uint32
		wantErr error
	}{
		{path: "/", want: RootIno},
		{path: "/a", want: ino},
		{path: "/b", wantErr: ErrNotFound},
		{path: "/a/b", wantErr: ErrNotDir},
		{path: "/b/c", wantErr: ErrNotFound},
		{path: "a", wantErr: ErrNotDir},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := f.Lookup(tt.path)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("Lookup(%q) error = %v, want %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Lookup(%q) = %d, want %d", tt.path, got, tt.want)
			}
		})
	}
}

func TestLookupFollowsSlot(t *testing.T) {
	f := newTestFS(t, 64, 16)
	if _, err := f.Create("/a", 0o644); err != nil {
		t.Fatal(err)
	}

	e, ok := f.findEntry("a")
	if !ok {
		t.Fatal("entry for a not found")
	}
	e.setIno(7)
	if got, err := f.Lookup("/a"); err != nil || got != 7 {
		t.Errorf("Lookup(/a) = %d, %v, want 7", got, err)
	}

	e.setIno(InoEmpty)
	if _, err := f.Lookup("/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(/a) error = %v, want ErrNotFound", err)
	}
}

func TestCreateReusesSkippedSlot(t *testing.T) {
	f := newTestFS(t, 64, 16)
	for _, p := range []string{"/a", "/b"} {
		if _, err := f.Create(p, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	slot, ok := f.findEntry("a")
	if !ok {
		t.Fatal("entry for a not found")
	}
	if err := f.Unlink("/a"); err != nil {
		t.Fatal(err)
	}
	// Inode 0 is never a file, so the slot is as good as empty.
	slot.setIno(0)
	if got := readdir(t, f); strings.Join(got, ",") != "b" {
		t.Errorf("Readdir() = %v, want [b]", got)
	}

	if _, err := f.Create("/c", 0o644); err != nil {
		t.Fatal(err)
	}
	c, ok := f.findEntry("c")
	if !ok || &c[0] != &slot[0] {
		t.Error("Create() did not reuse the first skipped slot")
	}
	mustCheck(t, f)
}

func TestCreate(t *testing.T) {
	f := newTestFS(t, 64, 16)
	before := f.Statfs()

	ino, err := f.Create("/hello.txt", 0o640)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if ino != 2 {
		t.Errorf("first inode = %d, want 2", ino)
	}

	st, err := f.Getattr("/hello.txt")
	if err != nil {
		t.Fatalf("Getattr() error: %v", err)
	}
	want := Stat{Ino: 2, Mode: ModeReg | 0o640, Nlink: 1, Mtime: testTime}
	if !st.Mtime.Equal(want.Mtime) {
		t.Errorf("Mtime = %v, want %v", st.Mtime, want.Mtime)
	}
	st.Mtime = want.Mtime
	if st != want {
		t.Errorf("Getattr() = %+v, want %+v", st, want)
	}

	after := f.Statfs()
	if after.Ffree != before.Ffree-1 {
		t.Errorf("free inodes = %d, want %d", after.Ffree, before.Ffree-1)
	}
	// The first entry needs a directory block.
	if after.Bfree != before.Bfree-1 {
		t.Errorf("free blocks = %d, want %d", after.Bfree, before.Bfree-1)
	}

	root, _ := f.Getattr("/")
	if root.Nlink != 3 || root.Size != BlockSize {
		t.Errorf("root nlink = %d size = %d, want 3 and %d", root.Nlink, root.Size, BlockSize)
	}
	mustCheck(t, f)
}

func TestCreateErrors(t *testing.T) {
	f := newTestFS(t, 64, 16)
	if _, err := f.Create("/a", 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		mode    uint32
		wantErr error
	}{
		{"exists", "/a", 0o644, ErrExist},
		{"root", "/", 0o644, ErrExist},
		{"name too long", "/" + strings.Repeat("x", NameMax+1), 0o644, ErrNameTooLong},
		{"nested under file", "/a/b", 0o644, ErrNotDir},
		{"nested under missing", "/b/c", 0o644, ErrNotFound},
		{"relative", "a", 0o644, ErrNotDir},
		{"directory mode", "/d", ModeDir | 0o755, ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.Statfs()
			_, err := f.Create(tt.path, tt.mode)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create(%q) error = %v, want %v", tt.path, err, tt.wantErr)
			}
			if after := f.Statfs(); after != before {
				t.Errorf("Statfs changed on failure: %+v -> %+v", before, after)
			}
		})
	}

	// The longest legal name fits.
	long := "/" + strings.Repeat("y", NameMax)
	if _, err := f.Create(long, 0o644); err != nil {
		t.Fatalf("Create(max name) error: %v", err)
	}
	if _, err := f.Lookup(long); err != nil {
		t.Errorf("Lookup(max name) error: %v", err)
	}
	mustCheck(t, f)
}

func TestCreateOutOfInodes(t *testing.T) {
	f := newTestFS(t, 64, 4) // inodes 2 and 3 are usable
	for _, p := range []string{"/a", "/b"} {
		if _, err := f.Create(p, 0o644); err != nil {
			t.Fatalf("Create(%q) error: %v", p, err)
		}
	}
	if _, err := f.Create("/c", 0o644); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Create() error = %v, want ErrNoSpace", err)
	}
	mustCheck(t, f)
}

func TestCreateOutOfBlocks(t *testing.T) {
	f := newTestFS(t, 64, 32)
	if _, err := f.Create("/big", 0o644); err != nil {
		t.Fatal(err)
	}
	// 58 free blocks: 57 data blocks plus the indirect block.
	free := int64(f.Statfs().Bfree)
	if err := f.Truncate("/big", (free-1)*BlockSize); err != nil {
		t.Fatalf("Truncate() error: %v", err)
	}
	if got := f.Statfs().Bfree; got != 0 {
		t.Fatalf("free blocks = %d, want 0", got)
	}

	// The first directory block has room for 15 more entries.
	for i := 0; i < DentriesPerBlock-1; i++ {
		if _, err := f.Create(fmt.Sprintf("/f%02d", i), 0o644); err != nil {
			t.Fatalf("Create(%d) error: %v", i, err)
		}
	}

	before := f.Statfs()
	if _, err := f.Create("/overflow", 0o644); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Create() error = %v, want ErrNoSpace", err)
	}
	if after := f.Statfs(); after != before {
		t.Errorf("Statfs changed on failure: %+v -> %+v", before, after)
	}
	if _, err := f.Lookup("/overflow"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() error = %v, want ErrNotFound", err)
	}
	mustCheck(t, f)
}

func TestCreateUnlinkRestoresCounters(t *testing.T) {
	f := newTestFS(t, 64, 16)
	// Keep the first directory block allocated.
	if _, err := f.Create("/keep", 0o644); err != nil {
		t.Fatal(err)
	}
	before := f.Statfs()

	if _, err := f.Create("/tmp", 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate("/tmp", 20*BlockSize); err != nil {
		t.Fatal(err)
	}
	if err := f.Unlink("/tmp"); err != nil {
		t.Fatalf("Unlink() error: %v", err)
	}

	if after := f.Statfs(); after != before {
		t.Errorf("Statfs after create+unlink = %+v, want %+v", after, before)
	}
	root, _ := f.Getattr("/")
	if root.Nlink != 3 {
		t.Errorf("root nlink = %d, want 3", root.Nlink)
	}
	mustCheck(t, f)
}

func TestUnlink(t *testing.T) {
	f := newTestFS(t, 64, 16)
	if _, err := f.Create("/a", 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"missing is not an error", "/nope", nil},
		{"root", "/", ErrIsDir},
		{"relative", "a", ErrNotDir},
		{"existing", "/a", nil},
		{"twice", "/a", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Unlink(tt.path)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("Unlink(%q) error = %v, want %v", tt.path, err, tt.wantErr)
			}
		})
	}

	if _, err := f.Lookup("/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() after unlink error = %v, want ErrNotFound", err)
	}
	mustCheck(t, f)

	// The freed inode and slot are reused.
	ino, err := f.Create("/b", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if ino != 2 {
		t.Errorf("reused inode = %d, want 2", ino)
	}
}

func readdir(t *testing.T, f *FS) []string {
	t.Helper()
	var names []string
	if err := f.Readdir("/", func(name string) error {
		names = append(names, name)
		return nil
	}); err != nil {
		t.Fatalf("Readdir() error: %v", err)
	}
	return names
}

func TestReaddir(t *testing.T) {
	// 200 entries fill the 12 direct directory blocks and spill into the
	// indirect block.
	const n = 200
	f := newTestFS(t, 512, 256)

	var want []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%03d", i)
		if _, err := f.Create("/"+name, 0o644); err != nil {
			t.Fatalf("Create(%q) error: %v", name, err)
		}
		want = append(want, name)
	}

	got := readdir(t, f)
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Readdir() = %v, want %v", got, want)
	}

	root, _ := f.Getattr("/")
	wantBlocks := uint32((n + DentriesPerBlock - 1) / DentriesPerBlock)
	if root.Size != uint64(wantBlocks)*BlockSize {
		t.Errorf("root size = %d, want %d", root.Size, wantBlocks*BlockSize)
	}
	if root.Nlink != n+2 {
		t.Errorf("root nlink = %d, want %d", root.Nlink, n+2)
	}
	if _, ok := f.resolve(f.inode(RootIno).indirect()); !ok {
		t.Error("root has no indirect block")
	}
	mustCheck(t, f)

	// Remove every other file; the rest are still listed once each.
	for i := 0; i < n; i += 2 {
		if err := f.Unlink("/" + want[i]); err != nil {
			t.Fatal(err)
		}
	}
	if got := readdir(t, f); len(got) != n/2 {
		t.Errorf("Readdir() after unlink returned %d names, want %d", len(got), n/2)
	}
	mustCheck(t, f)
}

func TestReaddirErrors(t *testing.T) {
	f := newTestFS(t, 64, 16)
	for _, p := range []string{"/a", "/b"} {
		if _, err := f.Create(p, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.Readdir("/a", func(string) error { return nil }); !errors.Is(err, ErrNotDir) {
		t.Errorf("Readdir(/a) error = %v, want ErrNotDir", err)
	}

	calls := 0
	err := f.Readdir("/", func(string) error {
		calls++
		return errors.New("buffer full")
	})
	if !errors.Is(err, ErrNoMemory) {
		t.Errorf("Readdir() error = %v, want ErrNoMemory", err)
	}
	if calls != 1 {
		t.Errorf("fill called %d times, want 1", calls)
	}
}

func TestGetattr(t *testing.T) {
	f := newTestFS(t, 64, 16)
	if _, err := f.Create("/a", 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate("/a", 13*BlockSize-1); err != nil {
		t.Fatal(err)
	}

	st, err := f.Getattr("/a")
	if err != nil {
		t.Fatalf("Getattr() error: %v", err)
	}
	// 13 data blocks and the indirect block, in 512-byte units.
	if st.Blocks != 14*8 {
		t.Errorf("Blocks = %d, want %d", st.Blocks, 14*8)
	}
	if st.Size != 13*BlockSize-1 {
		t.Errorf("Size = %d, want %d", st.Size, 13*BlockSize-1)
	}

	if _, err := f.Getattr("/" + strings.Repeat("z", PathMax)); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("Getattr(long) error = %v, want ErrNameTooLong", err)
	}
	if _, err := f.Getattr("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Getattr(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUtimens(t *testing.T) {
	clock := testTime
	f := newTestFS(t, 64, 16)
	f.now = func() time.Time { return clock }
	if _, err := f.Create("/a", 0o644); err != nil {
		t.Fatal(err)
	}

	set := time.Date(2001, 2, 3, 4, 5, 6, 789, time.UTC)
	later := testTime.Add(time.Hour)

	tests := []struct {
		name string
		m    Mtime
		want time.Time
	}{
		{"explicit", Mtime{Time: set}, set},
		{"omit", Mtime{Omit: true, Time: later}, set},
		{"now", Mtime{Now: true}, later},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock = later
			if err := f.Utimens("/a", tt.m); err != nil {
				t.Fatalf("Utimens() error: %v", err)
			}
			st, _ := f.Getattr("/a")
			if !st.Mtime.Equal(tt.want) {
				t.Errorf("Mtime = %v, want %v", st.Mtime, tt.want)
			}
		})
	}

	if err := f.Utimens("/missing", Mtime{Now: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Utimens(missing) error = %v, want ErrNotFound", err)
	}
}
