package vsfs

import (
	"io/fs"
)

// MaxFileSize is the largest size a file can be truncated or written to.
const MaxFileSize = MaxFileBlocks * BlockSize

// Truncate grows or shrinks the file at path to size bytes. New blocks are
// zero-filled, so a grown range always reads back as zeros. Growth is
// all-or-nothing: the size and space limits are checked before anything is
// allocated.
func (f *FS) Truncate(path string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ino, err := f.lookup(path)
	if err == nil {
		err = f.truncate(ino, size)
	}
	if err != nil {
		f.log.Debugf("[vsfs] Truncate: path=%q size=%d: %v", path, size, err)
		return &fs.PathError{Op: "truncate", Path: path, Err: err}
	}
	f.log.Debugf("[vsfs] Truncate: path=%q ino=%d size=%d", path, ino, size)
	return nil
}

func (f *FS) truncate(ino uint32, size int64) error {
	n := f.inode(ino)
	switch {
	case size < 0:
		return ErrInvalid
	case n.isDir():
		return ErrIsDir
	case size > MaxFileSize:
		return ErrFileTooBig
	}

	// Bytes past the old end of the last block may be left over from
	// before a shrink.
	if old := n.size(); uint64(size) > old && old%BlockSize != 0 && old < MaxFileSize {
		if blk, ok := f.fileBlock(n, uint32(old/BlockSize)); ok {
			clear(f.block(blk)[old%BlockSize:])
		}
	}

	need := divRoundUp64(uint64(size), BlockSize)
	cur := n.blocks()
	switch {
	case need > cur:
		if err := f.grow(n, cur, need); err != nil {
			return err
		}
	case need < cur:
		f.releaseFrom(n, need)
	}

	n.setBlocks(need)
	n.setSize(uint64(size))
	n.setMtime(f.now())
	return nil
}

// grow gives n the logical blocks [cur, need).
func (f *FS) grow(n inode, cur, need uint32) error {
	want := need - cur
	if _, ok := f.resolve(n.indirect()); !ok && need > NumDirect {
		want++
	}
	if want > f.sb.freeBlocks() {
		return ErrNoSpace
	}

	for i := cur; i < need; i++ {
		if _, ok := f.assign(n, i); !ok {
			// The bitmap ran out before the counter did.
			f.log.Warnf("[vsfs] grow: block bitmap exhausted with %d blocks counted free", f.sb.freeBlocks())
			f.releaseFrom(n, cur)
			return ErrNoSpace
		}
	}
	return nil
}

// assign allocates a zeroed data block for logical block i of n, and the
// indirect block first if i needs it.
func (f *FS) assign(n inode, i uint32) (uint32, bool) {
	if i < NumDirect {
		blk, ok := f.allocBlock()
		if ok {
			n.setDirect(int(i), blk)
		}
		return blk, ok
	}

	ind, ok := f.resolve(n.indirect())
	if !ok {
		if ind, ok = f.allocBlock(); !ok {
			return 0, false
		}
		n.setIndirect(ind)
	}
	blk, ok := f.allocBlock()
	if ok {
		ptrBlock(f.block(ind)).set(int(i-NumDirect), blk)
	}
	return blk, ok
}

func divRoundUp64(n, d uint64) uint32 {
	return uint32((n + d - 1) / d)
}
