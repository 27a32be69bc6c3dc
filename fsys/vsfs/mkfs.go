package vsfs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FormatOptions configures Format.
type FormatOptions struct {
	// Inodes is the size of the inode table. Zero picks one inode per four
	// blocks.
	Inodes uint32
	// UUID identifies the volume. The zero UUID is replaced by a random one.
	UUID uuid.UUID
	// Now stamps the root directory. Defaults to time.Now.
	Now func() time.Time
}

// Format writes an empty filesystem to data, which must be a whole number of
// blocks. Only the metadata region is cleared; data blocks are zeroed when
// they are allocated.
func Format(data []byte, opts FormatOptions) error {
	if len(data)%BlockSize != 0 {
		return fmt.Errorf("vsfs: image size %d is not a multiple of %d", len(data), BlockSize)
	}
	nblocks := uint64(len(data) / BlockSize)
	if nblocks > InoEmpty {
		return fmt.Errorf("vsfs: image of %d blocks is too large", nblocks)
	}
	nb := uint32(nblocks)

	inodes := opts.Inodes
	if inodes == 0 {
		inodes = max(nb/4, RootIno+1)
	}
	switch {
	case inodes <= RootIno:
		return fmt.Errorf("vsfs: need at least %d inodes, got %d", RootIno+1, inodes)
	case inodes >= InoEmpty || inodes > nb:
		return fmt.Errorf("vsfs: %d inodes is too many for %d blocks", inodes, nb)
	}

	g := layout(inodes, nb)
	if g.dataRegion >= nb {
		return fmt.Errorf("vsfs: %d blocks leave no room for data after %d metadata blocks", nb, g.dataRegion)
	}

	id := opts.UUID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewRandom(); err != nil {
			return fmt.Errorf("vsfs: volume uuid: %w", err)
		}
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	clear(blocks(data, 0, g.dataRegion))
	sb := superblock(data[superblockBlock*BlockSize : (superblockBlock+1)*BlockSize])
	sb.init(g, uint64(len(data)), id)

	ibmap := bitmapView{raw: blocks(data, g.ibmapStart, g.ibmapBlocks), count: inodes}
	dbmap := bitmapView{raw: blocks(data, g.dbmapStart, g.dbmapBlocks), count: nb}
	for b := uint32(0); b < g.dataRegion; b++ {
		dbmap.set(b)
	}
	ibmap.set(0)
	ibmap.set(RootIno)
	sb.setFreeInodes(inodes - 2)
	sb.setFreeBlocks(nb - g.dataRegion)

	off := int(g.itableStart)*BlockSize + RootIno*InodeSize
	root := inode(data[off : off+InodeSize])
	root.setMode(ModeDir | 0o777)
	root.setNlink(2)
	root.setMtime(now())
	return nil
}
