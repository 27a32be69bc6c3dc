package vsfs

import (
	"io"
	"io/fs"
)

// Read copies file data starting at off into buf and returns the number of
// bytes read. The range [off, off+len(buf)) must lie within one block.
// Reading at or past the end of the file returns 0; a range running past
// the end is shortened.
func (f *FS) Read(path string, buf []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ino, err := f.lookup(path)
	if err != nil {
		return 0, &fs.PathError{Op: "read", Path: path, Err: err}
	}
	n, err := f.read(ino, buf, off)
	if err != nil {
		return 0, &fs.PathError{Op: "read", Path: path, Err: err}
	}
	return n, nil
}

// Write copies data into the file at off, extending the file first when the
// range ends past its size. The range must lie within one block.
func (f *FS) Write(path string, data []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ino, err := f.lookup(path)
	if err != nil {
		return 0, &fs.PathError{Op: "write", Path: path, Err: err}
	}
	n, err := f.write(ino, data, off)
	if err != nil {
		f.log.Debugf("[vsfs] Write: path=%q off=%d len=%d: %v", path, off, len(data), err)
		return 0, &fs.PathError{Op: "write", Path: path, Err: err}
	}
	return n, nil
}

// ReadAt is Read without the single-block restriction. It returns io.EOF
// when the file ends before buf is full.
func (f *FS) ReadAt(path string, buf []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ino, err := f.lookup(path)
	if err != nil {
		return 0, &fs.PathError{Op: "read", Path: path, Err: err}
	}

	total := 0
	for total < len(buf) {
		pos := off + int64(total)
		chunk := buf[total:min(len(buf), total+blockRemainder(pos))]
		n, err := f.read(ino, chunk, pos)
		total += n
		if err != nil {
			return total, &fs.PathError{Op: "read", Path: path, Err: err}
		}
		if n < len(chunk) {
			return total, io.EOF
		}
	}
	return total, nil
}

// WriteAt is Write without the single-block restriction. The file is
// extended to its final size before any data is copied, so running out of
// space leaves the file untouched.
func (f *FS) WriteAt(path string, data []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ino, err := f.lookup(path)
	if err != nil {
		return 0, &fs.PathError{Op: "write", Path: path, Err: err}
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "write", Path: path, Err: ErrInvalid}
	}
	if off > MaxFileSize || int64(len(data)) > MaxFileSize-off {
		return 0, &fs.PathError{Op: "write", Path: path, Err: ErrFileTooBig}
	}
	if end := off + int64(len(data)); uint64(end) > f.inode(ino).size() {
		if err := f.truncate(ino, end); err != nil {
			return 0, &fs.PathError{Op: "write", Path: path, Err: err}
		}
	}

	total := 0
	for total < len(data) {
		pos := off + int64(total)
		chunk := data[total:min(len(data), total+blockRemainder(pos))]
		n, err := f.write(ino, chunk, pos)
		total += n
		if err != nil {
			return total, &fs.PathError{Op: "write", Path: path, Err: err}
		}
	}
	f.log.Debugf("[vsfs] WriteAt: path=%q ino=%d off=%d len=%d", path, ino, off, total)
	return total, nil
}

func (f *FS) read(ino uint32, buf []byte, off int64) (int, error) {
	if err := checkRange(off, len(buf)); err != nil {
		return 0, err
	}
	n := f.inode(ino)
	if n.isDir() {
		return 0, ErrIsDir
	}

	size := n.size()
	if uint64(off) >= size {
		return 0, nil
	}
	if rem := size - uint64(off); uint64(len(buf)) > rem {
		buf = buf[:rem]
	}

	blk, ok := f.fileBlock(n, uint32(off/BlockSize))
	if !ok {
		clear(buf)
		return len(buf), nil
	}
	return copy(buf, f.block(blk)[off%BlockSize:]), nil
}

func (f *FS) write(ino uint32, data []byte, off int64) (int, error) {
	if err := checkRange(off, len(data)); err != nil {
		return 0, err
	}
	n := f.inode(ino)
	switch {
	case n.isDir():
		return 0, ErrIsDir
	case off+int64(len(data)) > MaxFileSize:
		return 0, ErrFileTooBig
	}

	if end := uint64(off) + uint64(len(data)); end > n.size() {
		if err := f.truncate(ino, int64(end)); err != nil {
			return 0, err
		}
	}

	if len(data) > 0 {
		idx := uint32(off / BlockSize)
		blk, ok := f.fileBlock(n, idx)
		if !ok {
			// A hole left by another tool; back it before writing.
			if blk, ok = f.assign(n, idx); !ok {
				return 0, ErrNoSpace
			}
			if idx >= n.blocks() {
				n.setBlocks(idx + 1)
			}
		}
		copy(f.block(blk)[off%BlockSize:], data)
	}
	n.setMtime(f.now())
	return len(data), nil
}

// checkRange rejects negative offsets and ranges that cross a block
// boundary.
func checkRange(off int64, n int) error {
	if off < 0 {
		return ErrInvalid
	}
	if n > 0 && off/BlockSize != (off+int64(n)-1)/BlockSize {
		return ErrInvalid
	}
	return nil
}

// blockRemainder is the number of bytes from pos to the end of its block.
func blockRemainder(pos int64) int {
	if pos < 0 {
		return BlockSize
	}
	return int(BlockSize - pos%BlockSize)
}
