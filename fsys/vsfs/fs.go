// Package vsfs implements vsfs, a very simple filesystem: one flat root
// directory of regular files inside a fixed-size image of 4 KiB blocks.
//
// The whole filesystem lives in a single byte buffer. The superblock, the
// bitmaps, inode records, directory entries and indirect blocks are all
// sub-slices of that buffer, so a change made through one view is visible
// through every other.
package vsfs

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/diskfs/go-diskfs/util/bitmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Errors returned by filesystem operations, usually wrapped in an
// *fs.PathError.
var (
	ErrNameTooLong = syscall.ENAMETOOLONG
	ErrNotFound    = syscall.ENOENT
	ErrNotDir      = syscall.ENOTDIR
	ErrNoMemory    = syscall.ENOMEM
	ErrNoSpace     = syscall.ENOSPC
	ErrFileTooBig  = syscall.EFBIG
	ErrExist       = syscall.EEXIST
	ErrInvalid     = syscall.EINVAL
)

// ErrCorrupt is returned by Open for images that fail validation.
var ErrCorrupt = errors.New("corrupt vsfs image")

// Options configures a mounted filesystem.
type Options struct {
	// Closer releases the backing buffer when the filesystem is closed.
	Closer io.Closer
	// Logger receives per-operation debug traces. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger
	// Now is the clock used for modification times. Defaults to time.Now.
	Now func() time.Time
}

// FS is a mounted vsfs image.
type FS struct {
	mu sync.RWMutex

	data  []byte
	geo   geometry
	sb    superblock
	ibmap bitmapView
	dbmap bitmapView

	closer    io.Closer
	closeOnce sync.Once
	log       logrus.FieldLogger
	now       func() time.Time
}

// Open mounts the image held in data. The buffer is used in place and must
// not be modified by anyone else until Close.
func Open(data []byte, opts Options) (*FS, error) {
	if len(data) < 2*BlockSize || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: image size %d is not a multiple of %d", ErrCorrupt, len(data), BlockSize)
	}

	sb := superblock(data[superblockBlock*BlockSize : (superblockBlock+1)*BlockSize])
	if sb.magic() != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, sb.magic())
	}

	geo := layout(sb.numInodes(), sb.numBlocks())
	switch {
	case geo.inodes <= RootIno || geo.inodes == InoEmpty:
		return nil, fmt.Errorf("%w: bad inode count %d", ErrCorrupt, geo.inodes)
	case geo.inodes > geo.blocks:
		return nil, fmt.Errorf("%w: %d inodes exceed %d blocks", ErrCorrupt, geo.inodes, geo.blocks)
	case uint64(geo.blocks)*BlockSize > uint64(len(data)):
		return nil, fmt.Errorf("%w: %d blocks do not fit in %d bytes", ErrCorrupt, geo.blocks, len(data))
	case geo.dataRegion != sb.dataRegion():
		return nil, fmt.Errorf("%w: data region at %d, expected %d", ErrCorrupt, sb.dataRegion(), geo.dataRegion)
	case geo.dataRegion >= geo.blocks:
		return nil, fmt.Errorf("%w: no data blocks", ErrCorrupt)
	case sb.freeInodes() > geo.inodes || sb.freeBlocks() > geo.blocks:
		return nil, fmt.Errorf("%w: free counts exceed totals", ErrCorrupt)
	}

	f := &FS{
		data:   data,
		geo:    geo,
		sb:     sb,
		ibmap:  bitmapView{raw: blocks(data, geo.ibmapStart, geo.ibmapBlocks), count: geo.inodes},
		dbmap:  bitmapView{raw: blocks(data, geo.dbmapStart, geo.dbmapBlocks), count: geo.blocks},
		closer: opts.Closer,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if f.log == nil {
		f.log = logrus.StandardLogger()
	}
	if f.now == nil {
		f.now = time.Now
	}

	// Metadata blocks must never be handed out by the allocator.
	for b := uint32(0); b < geo.dataRegion; b++ {
		if !f.dbmap.isSet(b) {
			return nil, fmt.Errorf("%w: metadata block %d is not marked in use", ErrCorrupt, b)
		}
	}
	if !f.ibmap.isSet(RootIno) || !f.inode(RootIno).isDir() {
		return nil, fmt.Errorf("%w: root inode is not an allocated directory", ErrCorrupt)
	}

	f.log.Debugf("[vsfs] Open: %d inodes (%d free), %d blocks (%d free), data region %d",
		geo.inodes, sb.freeInodes(), geo.blocks, sb.freeBlocks(), geo.dataRegion)
	return f, nil
}

// Type returns the filesystem type name.
func (f *FS) Type() string { return "vsfs" }

// UUID returns the volume identifier written by Format.
func (f *FS) UUID() uuid.UUID { return uuid.UUID(f.sb.uuid()) }

// Close releases the backing buffer. Further calls are no-ops.
func (f *FS) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closer != nil {
			err = f.closer.Close()
		}
		f.log.Debugf("[vsfs] Close")
	})
	return err
}

func blocks(data []byte, start, n uint32) []byte {
	return data[int(start)*BlockSize : int(start+n)*BlockSize]
}

// block returns the view of block n. Callers resolve n first.
func (f *FS) block(n uint32) []byte {
	return blocks(f.data, n, 1)
}

// inode returns the record of inode ino, which must be below the inode count.
func (f *FS) inode(ino uint32) inode {
	off := int(f.geo.itableStart)*BlockSize + int(ino)*InodeSize
	return inode(f.data[off : off+InodeSize])
}

// resolve reports whether p addresses a data block.
func (f *FS) resolve(p uint32) (uint32, bool) {
	return p, p >= f.geo.dataRegion && p < f.geo.blocks
}

// fileBlock returns the data block backing logical block i of n.
func (f *FS) fileBlock(n inode, i uint32) (uint32, bool) {
	if i < NumDirect {
		return f.resolve(n.direct(int(i)))
	}
	if i >= MaxFileBlocks {
		return 0, false
	}
	ind, ok := f.resolve(n.indirect())
	if !ok {
		return 0, false
	}
	return f.resolve(ptrBlock(f.block(ind)).at(int(i - NumDirect)))
}

func (f *FS) allocInode() (uint32, bool) {
	ino, ok := f.ibmap.alloc()
	if !ok {
		return 0, false
	}
	f.sb.setFreeInodes(f.sb.freeInodes() - 1)
	return ino, true
}

func (f *FS) freeInode(ino uint32) {
	if !f.ibmap.isSet(ino) {
		f.log.Warnf("[vsfs] freeInode: inode %d is already free", ino)
		return
	}
	f.ibmap.free(ino)
	f.sb.setFreeInodes(f.sb.freeInodes() + 1)
}

// allocBlock takes the first free data block and zero-fills it.
func (f *FS) allocBlock() (uint32, bool) {
	blk, ok := f.dbmap.alloc()
	if !ok {
		return 0, false
	}
	f.sb.setFreeBlocks(f.sb.freeBlocks() - 1)
	clear(f.block(blk))
	return blk, true
}

func (f *FS) freeBlock(blk uint32) {
	if _, ok := f.resolve(blk); !ok || !f.dbmap.isSet(blk) {
		f.log.Warnf("[vsfs] freeBlock: block %d is not an allocated data block", blk)
		return
	}
	f.dbmap.free(blk)
	f.sb.setFreeBlocks(f.sb.freeBlocks() + 1)
}

// bitmapView is an allocation bitmap stored in the image; bit i set means
// resource i is in use. Bits at or past count are never handed out.
type bitmapView struct {
	raw   []byte
	count uint32
}

func (b bitmapView) load() *bitmap.Bitmap {
	return bitmap.FromBytes(b.raw)
}

// loadByte loads only the byte holding bit i, for single-bit updates.
func (b bitmapView) loadByte(i uint32) *bitmap.Bitmap {
	return bitmap.FromBytes(b.raw[i/8 : i/8+1])
}

func (b bitmapView) alloc() (uint32, bool) {
	bm := b.load()
	i := bm.FirstFree(0)
	if i < 0 || uint32(i) >= b.count {
		return 0, false
	}
	b.set(uint32(i))
	return uint32(i), true
}

func (b bitmapView) set(i uint32) {
	if i >= b.count {
		return
	}
	bm := b.loadByte(i)
	if err := bm.Set(int(i % 8)); err == nil {
		b.raw[i/8] = bm.ToBytes()[0]
	}
}

func (b bitmapView) free(i uint32) {
	if i >= b.count {
		return
	}
	bm := b.loadByte(i)
	if err := bm.Clear(int(i % 8)); err == nil {
		b.raw[i/8] = bm.ToBytes()[0]
	}
}

func (b bitmapView) isSet(i uint32) bool {
	if i >= b.count {
		return false
	}
	set, err := b.loadByte(i).IsSet(int(i % 8))
	return err == nil && set
}

// snapshot copies the bitmap once for scans that test many bits.
func (b bitmapView) snapshot() bitSnapshot {
	return bitSnapshot{bm: b.load(), count: b.count}
}

// used returns the indexes of all set bits below count.
func (b bitmapView) used() []uint32 {
	s := b.snapshot()
	var out []uint32
	for i := uint32(0); i < b.count; i++ {
		if s.isSet(i) {
			out = append(out, i)
		}
	}
	return out
}

// freeRuns returns the runs of clear bits below count, in order.
func (b bitmapView) freeRuns() []bitmap.Contiguous {
	var runs []bitmap.Contiguous
	for _, c := range b.load().FreeList() {
		if c.Position >= int(b.count) {
			break
		}
		c.Count = min(c.Count, int(b.count)-c.Position)
		runs = append(runs, c)
	}
	return runs
}

// bitSnapshot is a point-in-time copy of a bitmapView.
type bitSnapshot struct {
	bm    *bitmap.Bitmap
	count uint32
}

func (s bitSnapshot) isSet(i uint32) bool {
	if i >= s.count {
		return false
	}
	set, err := s.bm.IsSet(int(i))
	return err == nil && set
}
