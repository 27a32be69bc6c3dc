package vsfs

import (
	"io/fs"
	"strings"
)

// Lookup resolves an absolute path to an inode number.
func (f *FS) Lookup(path string) (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ino, err := f.lookup(path)
	if err != nil {
		return 0, &fs.PathError{Op: "lookup", Path: path, Err: err}
	}
	return ino, nil
}

func (f *FS) lookup(path string) (uint32, error) {
	name, err := splitPath(path)
	if err != nil {
		return 0, err
	}
	if name == "" {
		return RootIno, nil
	}

	first, _, nested := strings.Cut(name, "/")
	e, ok := f.findEntry(first)
	switch {
	case !ok:
		return 0, ErrNotFound
	case nested:
		// Every entry of the root is a regular file.
		return 0, ErrNotDir
	}
	return e.ino(), nil
}

// splitPath strips the leading slash. The empty name is the root.
func splitPath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", ErrNotDir
	}
	return path[1:], nil
}

// dirBlocks calls fn for every entry block of the root directory, direct
// blocks first, then the blocks listed in the indirect block. Iteration
// stops when fn returns false.
func (f *FS) dirBlocks(fn func(dirBlock) bool) {
	root := f.inode(RootIno)
	for i := 0; i < NumDirect; i++ {
		if blk, ok := f.resolve(root.direct(i)); ok {
			if !fn(dirBlock(f.block(blk))) {
				return
			}
		}
	}

	ind, ok := f.resolve(root.indirect())
	if !ok {
		return
	}
	ptrs := ptrBlock(f.block(ind))
	for i := 0; i < PtrsPerBlock; i++ {
		if blk, ok := f.resolve(ptrs.at(i)); ok {
			if !fn(dirBlock(f.block(blk))) {
				return
			}
		}
	}
}

// entries calls fn for every occupied directory slot in traversal order.
// Slots naming a reserved inode or one outside the table are skipped.
func (f *FS) entries(fn func(dentry) bool) {
	f.dirBlocks(func(b dirBlock) bool {
		for i := 0; i < DentriesPerBlock; i++ {
			e := b.entry(i)
			if ino := e.ino(); ino <= RootIno || ino >= f.geo.inodes {
				continue
			}
			if !fn(e) {
				return false
			}
		}
		return true
	})
}

// findEntry returns the first slot holding name.
func (f *FS) findEntry(name string) (dentry, bool) {
	var found dentry
	f.entries(func(e dentry) bool {
		if e.nameIs(name) {
			found = e
			return false
		}
		return true
	})
	return found, found != nil
}
