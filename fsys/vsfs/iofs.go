package vsfs

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/lvdlvd/vsfs/fsys"
)

var (
	_ fsys.FS           = (*FS)(nil)
	_ fsys.FreeBlocker  = (*FS)(nil)
	_ fsys.ExtentMapper = (*FS)(nil)
)

// absPath turns an io/fs name into the absolute form used by Lookup.
func absPath(name string) string {
	if name == "." {
		return "/"
	}
	return "/" + name
}

// pathErr re-labels an error from the core with the io/fs name. The
// syscall.Errno underneath still matches fs.ErrNotExist and friends.
func pathErr(op, name string, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}

// Open implements fs.FS.
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	st, err := f.Getattr(absPath(name))
	if err != nil {
		return nil, pathErr("open", name, err)
	}
	if st.IsDir() {
		return &dir{fs: f, st: st, name: name}, nil
	}
	return &file{fs: f, st: st, name: name, path: absPath(name)}, nil
}

// ReadDir implements fs.ReadDirFS. Entries are sorted by name.
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	d, ok := file.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	entries, err := d.ReadDir(-1)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries, err
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	st, err := f.Getattr(absPath(name))
	if err != nil {
		return nil, pathErr("stat", name, err)
	}
	return &fileInfo{name: name, st: st}, nil
}

// BaseReader returns a reader over the whole image.
func (f *FS) BaseReader() io.ReaderAt { return bytes.NewReader(f.data) }

// FreeBlocks returns the byte ranges of the image whose blocks are free in
// the block bitmap, in ascending order.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	runs := f.dbmap.freeRuns()
	ranges := make([]fsys.Range, 0, len(runs))
	for _, r := range runs {
		ranges = append(ranges, fsys.Range{
			Start: int64(r.Position) * BlockSize,
			End:   int64(r.Position+r.Count) * BlockSize,
		})
	}
	return ranges, nil
}

// FileExtents returns where the data of a regular file lives in the image.
// Physically adjacent blocks are merged into one extent.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: fs.ErrInvalid}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	ino, err := f.lookup(absPath(name))
	if err != nil {
		return nil, pathErr("extents", name, err)
	}
	n := f.inode(ino)
	if n.isDir() {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: ErrIsDir}
	}

	size := int64(n.size())
	var extents []fsys.Extent
	for i := uint32(0); i < n.blocks(); i++ {
		blk, ok := f.fileBlock(n, i)
		if !ok {
			continue
		}
		logical := int64(i) * BlockSize
		length := min(BlockSize, size-logical)
		if length <= 0 {
			break
		}
		physical := int64(blk) * BlockSize
		if k := len(extents) - 1; k >= 0 {
			last := &extents[k]
			if last.Logical+last.Length == logical && last.Physical+last.Length == physical {
				last.Length += length
				continue
			}
		}
		extents = append(extents, fsys.Extent{Logical: logical, Physical: physical, Length: length})
	}
	return extents, nil
}

// file implements fs.File and io.ReaderAt for regular files.
type file struct {
	fs     *FS
	st     Stat
	name   string
	path   string
	offset int64
}

func (f *file) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: f.name, st: f.st}, nil
}

func (f *file) Read(b []byte) (int, error) {
	if f.offset >= int64(f.st.Size) {
		return 0, io.EOF
	}
	n, err := f.ReadAt(b, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	n, err := f.fs.ReadAt(f.path, b, off)
	if err != nil && err != io.EOF {
		return n, pathErr("read", f.name, err)
	}
	return n, err
}

func (f *file) Close() error { return nil }

// dir implements fs.ReadDirFile for the root directory.
type dir struct {
	fs      *FS
	st      Stat
	name    string
	entries []fs.DirEntry
	loaded  bool
	offset  int
}

func (d *dir) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: d.name, st: d.st}, nil
}

func (d *dir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *dir) Close() error {
	d.entries = nil
	return nil
}

func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.loaded {
		d.fs.mu.RLock()
		d.fs.entries(func(e dentry) bool {
			d.entries = append(d.entries, &dirEntry{
				name: string(e.name()),
				info: fileInfo{name: string(e.name()), st: d.fs.stat(e.ino())},
			})
			return true
		})
		d.fs.mu.RUnlock()
		d.loaded = true
	}

	if n <= 0 {
		entries := d.entries[d.offset:]
		d.offset = len(d.entries)
		return entries, nil
	}
	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}
	end := min(d.offset+n, len(d.entries))
	entries := d.entries[d.offset:end]
	d.offset = end
	return entries, nil
}

// dirEntry implements fs.DirEntry. Every entry is a regular file.
type dirEntry struct {
	name string
	info fileInfo
}

func (e *dirEntry) Name() string               { return e.name }
func (e *dirEntry) IsDir() bool                { return false }
func (e *dirEntry) Type() fs.FileMode          { return e.info.Mode().Type() }
func (e *dirEntry) Info() (fs.FileInfo, error) { return &e.info, nil }

// fileInfo implements fs.FileInfo and fsys.FileInfo.
type fileInfo struct {
	name string
	st   Stat
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return int64(i.st.Size) }
func (i *fileInfo) ModTime() time.Time { return i.st.Mtime }
func (i *fileInfo) IsDir() bool        { return i.st.IsDir() }
func (i *fileInfo) Sys() any           { return i.st }
func (i *fileInfo) Inode() uint64      { return uint64(i.st.Ino) }

func (i *fileInfo) Mode() fs.FileMode {
	mode := fs.FileMode(i.st.Mode & 0o777)
	if i.st.IsDir() {
		mode |= fs.ModeDir
	}
	return mode
}
