package vsfs

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	BlockSize = 4096
	Magic     = 0xC5C369A4C5C369A4

	NameLen = 252         // width of the on-disk name field
	NameMax = NameLen - 1 // names are NUL terminated
	PathMax = NameMax + 2 // leading '/' plus terminator

	NumDirect = 12
	RootIno   = 1

	// Sentinels. A block pointer outside [data region, block count) is
	// unassigned; BlkUnassigned is the value written when clearing one.
	BlkUnassigned = 0
	InoEmpty      = 0xFFFFFFFF

	InodeSize        = 128
	DentrySize       = 256
	PtrsPerBlock     = BlockSize / 4
	DentriesPerBlock = BlockSize / DentrySize
	MaxFileBlocks    = NumDirect + PtrsPerBlock

	// Block 0 is reserved.
	superblockBlock  = 1
	inodeBitmapStart = 2
)

// Unix mode bits stored in the inode.
const (
	ModeType = 0o170000
	ModeDir  = 0o040000
	ModeReg  = 0o100000
	ModePerm = 0o7777
)

// geometry describes where each region of the image starts. It is fully
// determined by the inode and block counts.
type geometry struct {
	inodes uint32
	blocks uint32

	ibmapStart   uint32
	ibmapBlocks  uint32
	dbmapStart   uint32
	dbmapBlocks  uint32
	itableStart  uint32
	itableBlocks uint32
	dataRegion   uint32
}

func layout(inodes, blocks uint32) geometry {
	const bitsPerBlock = BlockSize * 8

	g := geometry{inodes: inodes, blocks: blocks}
	g.ibmapStart = inodeBitmapStart
	g.ibmapBlocks = divRoundUp(inodes, bitsPerBlock)
	g.dbmapStart = g.ibmapStart + g.ibmapBlocks
	g.dbmapBlocks = divRoundUp(blocks, bitsPerBlock)
	g.itableStart = g.dbmapStart + g.dbmapBlocks
	g.itableBlocks = divRoundUp(inodes, BlockSize/InodeSize)
	g.dataRegion = g.itableStart + g.itableBlocks
	return g
}

// divRoundUp is computed in 64 bits so that counts near 2^32 do not wrap.
func divRoundUp(n, d uint32) uint32 {
	return uint32((uint64(n) + uint64(d) - 1) / uint64(d))
}

// Superblock field offsets
const (
	sbMagic      = 0x00
	sbSize       = 0x08
	sbNumInodes  = 0x10
	sbFreeInodes = 0x14
	sbNumBlocks  = 0x18
	sbFreeBlocks = 0x1C
	sbDataRegion = 0x20
	sbUUID       = 0x24
)

// superblock is a view of block 1.
type superblock []byte

func (s superblock) magic() uint64      { return binary.LittleEndian.Uint64(s[sbMagic:]) }
func (s superblock) size() uint64       { return binary.LittleEndian.Uint64(s[sbSize:]) }
func (s superblock) numInodes() uint32  { return binary.LittleEndian.Uint32(s[sbNumInodes:]) }
func (s superblock) freeInodes() uint32 { return binary.LittleEndian.Uint32(s[sbFreeInodes:]) }
func (s superblock) numBlocks() uint32  { return binary.LittleEndian.Uint32(s[sbNumBlocks:]) }
func (s superblock) freeBlocks() uint32 { return binary.LittleEndian.Uint32(s[sbFreeBlocks:]) }
func (s superblock) dataRegion() uint32 { return binary.LittleEndian.Uint32(s[sbDataRegion:]) }

func (s superblock) uuid() (u [16]byte) {
	copy(u[:], s[sbUUID:sbUUID+16])
	return u
}

func (s superblock) setFreeInodes(v uint32) { binary.LittleEndian.PutUint32(s[sbFreeInodes:], v) }
func (s superblock) setFreeBlocks(v uint32) { binary.LittleEndian.PutUint32(s[sbFreeBlocks:], v) }

func (s superblock) init(g geometry, size uint64, id [16]byte) {
	clear(s)
	binary.LittleEndian.PutUint64(s[sbMagic:], Magic)
	binary.LittleEndian.PutUint64(s[sbSize:], size)
	binary.LittleEndian.PutUint32(s[sbNumInodes:], g.inodes)
	binary.LittleEndian.PutUint32(s[sbFreeInodes:], g.inodes)
	binary.LittleEndian.PutUint32(s[sbNumBlocks:], g.blocks)
	binary.LittleEndian.PutUint32(s[sbFreeBlocks:], g.blocks)
	binary.LittleEndian.PutUint32(s[sbDataRegion:], g.dataRegion)
	copy(s[sbUUID:sbUUID+16], id[:])
}

// Inode field offsets
const (
	inoMode      = 0x00
	inoNlink     = 0x04
	inoBlocks    = 0x08
	inoIndirect  = 0x0C
	inoSize      = 0x10
	inoMtimeSec  = 0x18
	inoMtimeNsec = 0x20
	inoDirect    = 0x28
)

// inode is a view of one inode table record.
type inode []byte

func (n inode) mode() uint32     { return binary.LittleEndian.Uint32(n[inoMode:]) }
func (n inode) nlink() uint32    { return binary.LittleEndian.Uint32(n[inoNlink:]) }
func (n inode) blocks() uint32   { return binary.LittleEndian.Uint32(n[inoBlocks:]) }
func (n inode) indirect() uint32 { return binary.LittleEndian.Uint32(n[inoIndirect:]) }
func (n inode) size() uint64     { return binary.LittleEndian.Uint64(n[inoSize:]) }

func (n inode) direct(i int) uint32 {
	return binary.LittleEndian.Uint32(n[inoDirect+4*i:])
}

func (n inode) mtime() time.Time {
	sec := int64(binary.LittleEndian.Uint64(n[inoMtimeSec:]))
	nsec := int64(binary.LittleEndian.Uint32(n[inoMtimeNsec:]))
	return time.Unix(sec, nsec)
}

func (n inode) setMode(v uint32)     { binary.LittleEndian.PutUint32(n[inoMode:], v) }
func (n inode) setNlink(v uint32)    { binary.LittleEndian.PutUint32(n[inoNlink:], v) }
func (n inode) setBlocks(v uint32)   { binary.LittleEndian.PutUint32(n[inoBlocks:], v) }
func (n inode) setIndirect(v uint32) { binary.LittleEndian.PutUint32(n[inoIndirect:], v) }
func (n inode) setSize(v uint64)     { binary.LittleEndian.PutUint64(n[inoSize:], v) }

func (n inode) setDirect(i int, v uint32) {
	binary.LittleEndian.PutUint32(n[inoDirect+4*i:], v)
}

func (n inode) setMtime(t time.Time) {
	binary.LittleEndian.PutUint64(n[inoMtimeSec:], uint64(t.Unix()))
	binary.LittleEndian.PutUint32(n[inoMtimeNsec:], uint32(t.Nanosecond()))
}

func (n inode) isDir() bool { return n.mode()&ModeType == ModeDir }

// dentry is a view of one directory entry.
type dentry []byte

func (d dentry) ino() uint32       { return binary.LittleEndian.Uint32(d[0:4]) }
func (d dentry) setIno(v uint32)   { binary.LittleEndian.PutUint32(d[0:4], v) }
func (d dentry) rawName() []byte   { return d[4 : 4+NameLen] }
func (d dentry) clearName()        { clear(d.rawName()) }

func (d dentry) nameIs(s string) bool { return string(d.name()) == s }

func (d dentry) name() []byte {
	raw := d.rawName()
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		return raw[:i]
	}
	return raw
}

// setName stores s, which must be at most NameMax bytes.
func (d dentry) setName(s string) {
	d.clearName()
	copy(d.rawName()[:NameMax], s)
}

// dirBlock is a data block holding DentriesPerBlock entries.
type dirBlock []byte

func (b dirBlock) entry(i int) dentry {
	return dentry(b[i*DentrySize : (i+1)*DentrySize])
}

// reset marks every slot empty.
func (b dirBlock) reset() {
	clear(b)
	for i := 0; i < DentriesPerBlock; i++ {
		b.entry(i).setIno(InoEmpty)
	}
}

// ptrBlock is an indirect block holding PtrsPerBlock block pointers.
type ptrBlock []byte

func (b ptrBlock) at(i int) uint32     { return binary.LittleEndian.Uint32(b[4*i:]) }
func (b ptrBlock) set(i int, v uint32) { binary.LittleEndian.PutUint32(b[4*i:], v) }
