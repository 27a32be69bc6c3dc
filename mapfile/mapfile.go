// Package mapfile maps a disk image into memory so that the filesystem can
// work on it as a single byte slice. Changes reach the file through the
// shared mapping.
package mapfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lvdlvd/vsfs/fsys/vsfs"
)

// File is a mapped image file.
type File struct {
	f        *os.File
	data     []byte
	writable bool
}

// Open maps the image at path for reading and writing.
func Open(path string) (*File, error) {
	return open(path, os.O_RDWR, true)
}

// OpenReadOnly maps the image at path for reading. Writing to Bytes faults.
func OpenReadOnly(path string) (*File, error) {
	return open(path, os.O_RDONLY, false)
}

// Create makes a new image file of size bytes, which must be a positive
// multiple of the block size, and maps it. An existing file is truncated.
func Create(path string, size int64) (*File, error) {
	if size <= 0 || size%vsfs.BlockSize != 0 {
		return nil, fmt.Errorf("image size %d is not a positive multiple of %d", size, vsfs.BlockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return mmap(f, true)
}

func open(path string, flag int, writable bool) (*File, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return mmap(f, writable)
}

// mmap takes ownership of f.
func mmap(f *os.File, writable bool) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()
	if size <= 0 || size%vsfs.BlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("%s: size %d is not a positive multiple of %d", f.Name(), size, vsfs.BlockSize)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return &File{f: f, data: data, writable: writable}, nil
}

// Bytes returns the mapping. It is invalid after Close.
func (m *File) Bytes() []byte { return m.data }

// Name returns the path the file was opened with.
func (m *File) Name() string { return m.f.Name() }

// Sync flushes changes to the file.
func (m *File) Sync() error {
	if m.data == nil || !m.writable {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", m.f.Name(), err)
	}
	return nil
}

// Close syncs, unmaps and closes the file. Further calls are no-ops.
func (m *File) Close() error {
	if m.data == nil {
		return nil
	}
	err := m.Sync()
	if uerr := unix.Munmap(m.data); uerr != nil {
		err = errors.Join(err, fmt.Errorf("munmap %s: %w", m.f.Name(), uerr))
	}
	m.data = nil
	return errors.Join(err, m.f.Close())
}
