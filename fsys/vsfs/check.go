package vsfs

import (
	"errors"
	"fmt"
)

// Check verifies the consistency of the image and returns every problem
// found, joined. A nil result means the bitmaps, counters, inodes and
// directory agree with each other.
func (f *FS) Check() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	usedInodes := f.ibmap.used()
	if free := f.geo.inodes - uint32(len(usedInodes)); free != f.sb.freeInodes() {
		fail("superblock counts %d free inodes, bitmap has %d", f.sb.freeInodes(), free)
	}
	usedBlocks := f.dbmap.used()
	if free := f.geo.blocks - uint32(len(usedBlocks)); free != f.sb.freeBlocks() {
		fail("superblock counts %d free blocks, bitmap has %d", f.sb.freeBlocks(), free)
	}
	dbits, ibits := f.dbmap.snapshot(), f.ibmap.snapshot()
	for b := uint32(0); b < f.geo.dataRegion; b++ {
		if !dbits.isSet(b) {
			fail("metadata block %d is not marked in use", b)
		}
	}

	owner := map[uint32]uint32{} // data block -> inode
	claim := func(ino, p uint32, what string) {
		blk, ok := f.resolve(p)
		if !ok {
			fail("inode %d: %s pointer %d is outside the data region", ino, what, p)
			return
		}
		if !dbits.isSet(blk) {
			fail("inode %d: %s block %d is not marked in use", ino, what, blk)
		}
		if prev, dup := owner[blk]; dup {
			fail("block %d is used by inode %d and inode %d", blk, prev, ino)
			return
		}
		owner[blk] = ino
	}

	for _, ino := range usedInodes {
		if ino == 0 {
			continue
		}
		n := f.inode(ino)
		nb := n.blocks()
		if nb > MaxFileBlocks {
			fail("inode %d: %d blocks exceeds the maximum of %d", ino, nb, MaxFileBlocks)
			continue
		}
		if !n.isDir() {
			if want := divRoundUp64(n.size(), BlockSize); nb != want {
				fail("inode %d: %d blocks for size %d, want %d", ino, nb, n.size(), want)
			}
		}
		for i := uint32(0); i < min(nb, NumDirect); i++ {
			claim(ino, n.direct(int(i)), "direct")
		}
		if nb <= NumDirect {
			if _, ok := f.resolve(n.indirect()); ok {
				fail("inode %d: indirect block %d held with only %d blocks", ino, n.indirect(), nb)
			}
			continue
		}
		claim(ino, n.indirect(), "indirect")
		ind, ok := f.resolve(n.indirect())
		if !ok {
			continue
		}
		ptrs := ptrBlock(f.block(ind))
		for i := uint32(0); i < nb-NumDirect; i++ {
			claim(ino, ptrs.at(int(i)), "data")
		}
	}

	for _, blk := range usedBlocks {
		if _, ok := owner[blk]; !ok && blk >= f.geo.dataRegion {
			fail("block %d is marked in use but not referenced", blk)
		}
	}

	root := f.inode(RootIno)
	if !root.isDir() {
		fail("root inode is not a directory")
	}
	seen := map[string]bool{}
	files := uint32(0)
	f.dirBlocks(func(b dirBlock) bool {
		for i := 0; i < DentriesPerBlock; i++ {
			e := b.entry(i)
			ino := e.ino()
			if ino == InoEmpty {
				continue
			}
			name := string(e.name())
			switch {
			case ino <= RootIno || ino >= f.geo.inodes:
				fail("entry %q names reserved or out of range inode %d", name, ino)
				continue
			case !ibits.isSet(ino):
				fail("entry %q names free inode %d", name, ino)
			case f.inode(ino).isDir():
				fail("entry %q names directory inode %d", name, ino)
			}
			if seen[name] {
				fail("entry %q appears more than once", name)
			}
			seen[name] = true
			files++
		}
		return true
	})
	if want := 2 + files; root.nlink() != want {
		fail("root directory has link count %d, want %d", root.nlink(), want)
	}

	if len(errs) > 0 {
		f.log.Debugf("[vsfs] Check: %d problems", len(errs))
	}
	return errors.Join(errs...)
}
