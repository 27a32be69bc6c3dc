package vsfs

import (
	"io/fs"
	"strings"
	"syscall"
)

// ErrIsDir is returned when unlinking the root directory.
var ErrIsDir = syscall.EISDIR

// Create adds an empty regular file to the root directory and returns its
// inode number. Only the permission bits of mode are kept.
func (f *FS) Create(path string, mode uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ino, err := f.create(path, mode)
	if err != nil {
		f.log.Debugf("[vsfs] Create: path=%q: %v", path, err)
		return 0, &fs.PathError{Op: "create", Path: path, Err: err}
	}
	f.log.Debugf("[vsfs] Create: path=%q ino=%d", path, ino)
	return ino, nil
}

func (f *FS) create(path string, mode uint32) (uint32, error) {
	name, err := splitPath(path)
	if err != nil {
		return 0, err
	}
	if strings.Contains(name, "/") {
		_, err := f.lookup(path)
		return 0, err
	}
	switch {
	case name == "":
		return 0, ErrExist
	case len(name) > NameMax:
		return 0, ErrNameTooLong
	case mode&ModeType != 0 && mode&ModeType != ModeReg:
		return 0, ErrInvalid
	}
	if _, ok := f.findEntry(name); ok {
		return 0, ErrExist
	}

	ino, ok := f.allocInode()
	if !ok {
		return 0, ErrNoSpace
	}
	now := f.now()
	n := f.inode(ino)
	clear(n)
	n.setMode(ModeReg | mode&ModePerm)
	n.setNlink(1)
	n.setMtime(now)

	slot, ok := f.freeSlot()
	if !ok {
		clear(n)
		f.freeInode(ino)
		return 0, ErrNoSpace
	}
	slot.setName(name)
	slot.setIno(ino)

	root := f.inode(RootIno)
	root.setNlink(root.nlink() + 1)
	root.setMtime(now)
	return ino, nil
}

// freeSlot returns an empty directory slot, adding a directory block if
// needed. Direct pointers are tried in order, then the indirect block's
// pointers; within a block the first empty slot wins. On failure nothing
// allocated here stays allocated.
func (f *FS) freeSlot() (dentry, bool) {
	root := f.inode(RootIno)
	for i := 0; i < NumDirect; i++ {
		blk, ok := f.resolve(root.direct(i))
		if !ok {
			if blk, ok = f.growDir(root); !ok {
				return nil, false
			}
			root.setDirect(i, blk)
		}
		if e, ok := f.emptySlot(dirBlock(f.block(blk))); ok {
			return e, true
		}
	}

	ind, ok := f.resolve(root.indirect())
	fresh := false
	if !ok {
		if ind, ok = f.allocBlock(); !ok {
			return nil, false
		}
		root.setIndirect(ind)
		fresh = true
	}
	ptrs := ptrBlock(f.block(ind))
	for i := 0; i < PtrsPerBlock; i++ {
		blk, ok := f.resolve(ptrs.at(i))
		if !ok {
			if blk, ok = f.growDir(root); !ok {
				break
			}
			ptrs.set(i, blk)
		}
		if e, ok := f.emptySlot(dirBlock(f.block(blk))); ok {
			return e, true
		}
	}

	if fresh {
		f.freeBlock(ind)
		root.setIndirect(BlkUnassigned)
	}
	return nil, false
}

// growDir allocates a directory block with every slot empty and accounts
// for it in the root inode.
func (f *FS) growDir(root inode) (uint32, bool) {
	blk, ok := f.allocBlock()
	if !ok {
		return 0, false
	}
	dirBlock(f.block(blk)).reset()
	root.setSize(root.size() + BlockSize)
	root.setBlocks(root.blocks() + 1)
	return blk, true
}

// emptySlot returns the first slot in b that entries would skip: one marked
// empty, or naming a reserved inode or one outside the table.
func (f *FS) emptySlot(b dirBlock) (dentry, bool) {
	for i := 0; i < DentriesPerBlock; i++ {
		e := b.entry(i)
		if ino := e.ino(); ino <= RootIno || ino >= f.geo.inodes {
			return e, true
		}
	}
	return nil, false
}

// Unlink removes path from the root directory and frees its inode and
// blocks. Removing a name that does not exist is not an error.
func (f *FS) Unlink(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	name, err := splitPath(path)
	if err != nil {
		return &fs.PathError{Op: "unlink", Path: path, Err: err}
	}
	if name == "" {
		return &fs.PathError{Op: "unlink", Path: path, Err: ErrIsDir}
	}

	e, ok := f.findEntry(name)
	if !ok {
		f.log.Debugf("[vsfs] Unlink: path=%q not present", path)
		return nil
	}
	ino := e.ino()
	e.clearName()
	e.setIno(InoEmpty)
	f.freeInode(ino)

	root := f.inode(RootIno)
	if root.nlink() > 0 {
		root.setNlink(root.nlink() - 1)
	}
	root.setMtime(f.now())

	n := f.inode(ino)
	f.releaseFrom(n, 0)
	clear(n)
	f.log.Debugf("[vsfs] Unlink: path=%q ino=%d", path, ino)
	return nil
}

// releaseFrom frees every data block of n at logical index from and above,
// ascending, and unassigns the pointers. The indirect block goes too once
// no indirect slot remains in use.
func (f *FS) releaseFrom(n inode, from uint32) {
	for i := from; i < NumDirect; i++ {
		if blk, ok := f.resolve(n.direct(int(i))); ok {
			f.freeBlock(blk)
		}
		n.setDirect(int(i), BlkUnassigned)
	}

	ind, ok := f.resolve(n.indirect())
	if !ok {
		return
	}
	ptrs := ptrBlock(f.block(ind))
	start := 0
	if from > NumDirect {
		start = int(from - NumDirect)
	}
	for i := start; i < PtrsPerBlock; i++ {
		if blk, ok := f.resolve(ptrs.at(i)); ok {
			f.freeBlock(blk)
		}
		ptrs.set(i, BlkUnassigned)
	}
	if from <= NumDirect {
		f.freeBlock(ind)
		n.setIndirect(BlkUnassigned)
	}
}
