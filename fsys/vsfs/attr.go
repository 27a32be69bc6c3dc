package vsfs

import (
	"io/fs"
	"time"
)

// Statfs holds filesystem statistics in the shape of statvfs(2).
type Statfs struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Favail  uint64
	Namemax uint32
}

// Stat holds the attributes of one inode in the shape of lstat(2).
type Stat struct {
	Ino    uint32
	Mode   uint32
	Nlink  uint32
	Size   uint64
	Blocks uint64 // 512-byte units, indirect block included
	Mtime  time.Time
}

// IsDir reports whether the inode is a directory.
func (s Stat) IsDir() bool { return s.Mode&ModeType == ModeDir }

// Mtime selects how Utimens changes a modification time.
type Mtime struct {
	Omit bool // leave the time unchanged
	Now  bool // use the filesystem clock
	Time time.Time
}

// Statfs reports block and inode usage. Free and available counts are the
// same since no blocks are reserved.
func (f *FS) Statfs() Statfs {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Statfs{
		Bsize:   BlockSize,
		Frsize:  BlockSize,
		Blocks:  uint64(f.sb.numBlocks()),
		Bfree:   uint64(f.sb.freeBlocks()),
		Bavail:  uint64(f.sb.freeBlocks()),
		Files:   uint64(f.sb.numInodes()),
		Ffree:   uint64(f.sb.freeInodes()),
		Favail:  uint64(f.sb.freeInodes()),
		Namemax: NameMax,
	}
}

// Getattr returns the attributes of the file or directory at path.
func (f *FS) Getattr(path string) (Stat, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(path) >= PathMax {
		return Stat{}, &fs.PathError{Op: "getattr", Path: path, Err: ErrNameTooLong}
	}
	ino, err := f.lookup(path)
	if err != nil {
		return Stat{}, &fs.PathError{Op: "getattr", Path: path, Err: err}
	}
	return f.stat(ino), nil
}

func (f *FS) stat(ino uint32) Stat {
	n := f.inode(ino)
	st := Stat{
		Ino:    ino,
		Mode:   n.mode(),
		Nlink:  n.nlink(),
		Size:   n.size(),
		Blocks: uint64(n.blocks()) * (BlockSize / 512),
		Mtime:  n.mtime(),
	}
	if _, ok := f.resolve(n.indirect()); ok {
		st.Blocks += BlockSize / 512
	}
	return st
}

// Readdir calls fill with the name of every entry of the root directory.
// Only "/" can be listed. A fill error aborts the listing with ErrNoMemory.
func (f *FS) Readdir(path string, fill func(name string) error) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if path != "/" {
		return &fs.PathError{Op: "readdir", Path: path, Err: ErrNotDir}
	}

	var err error
	f.entries(func(e dentry) bool {
		if fillErr := fill(string(e.name())); fillErr != nil {
			f.log.Debugf("[vsfs] Readdir: fill %q: %v", e.name(), fillErr)
			err = &fs.PathError{Op: "readdir", Path: path, Err: ErrNoMemory}
			return false
		}
		return true
	})
	return err
}

// Utimens sets the modification time of path.
func (f *FS) Utimens(path string, m Mtime) error {
	if m.Omit {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ino, err := f.lookup(path)
	if err != nil {
		return &fs.PathError{Op: "utimens", Path: path, Err: err}
	}
	t := m.Time
	if m.Now {
		t = f.now()
	}
	f.inode(ino).setMtime(t)
	f.log.Debugf("[vsfs] Utimens: path=%q ino=%d mtime=%v", path, ino, t)
	return nil
}
