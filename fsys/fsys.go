// Package fsys defines the interfaces shared by filesystem images and the
// commands that inspect them.
package fsys

import (
	"fmt"
	"io"
	"io/fs"
	"sort"
)

// Range represents a byte range [Start, End) where Start is inclusive
// and End is exclusive (one past the last byte).
type Range struct {
	Start int64
	End   int64
}

// Size returns the size of the range in bytes
func (r Range) Size() int64 {
	return r.End - r.Start
}

// TotalSize sums the sizes of ranges.
func TotalSize(ranges []Range) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Size()
	}
	return n
}

// Extent maps a run of file bytes to their place in the image.
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the image
	Length   int64
}

// FS is a filesystem opened from an image. It embeds io/fs.FS and adds
// image-specific functionality.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the filesystem type name, e.g. "vsfs".
	Type() string

	// Close releases the image.
	Close() error
}

// FreeBlocker is an optional interface for filesystems that can report free space
type FreeBlocker interface {
	// FreeBlocks returns the free byte ranges of the image in ascending,
	// non-overlapping order.
	FreeBlocks() ([]Range, error)
}

// ExtentMapper is an optional interface for filesystems that can report
// the physical location of file data within the image
type ExtentMapper interface {
	// FileExtents returns the extents of a regular file, sorted by logical
	// offset. Unmapped ranges read as zeros.
	FileExtents(path string) ([]Extent, error)
}

// FileInfo provides extended file information
type FileInfo interface {
	fs.FileInfo

	// Inode returns the inode number.
	Inode() uint64
}

// ExtentReaderAt reads a file straight from the image through its extents,
// without loading it into memory.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReaderAt returns a reader of the size bytes of a file described
// by extents over the image r.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// Size returns the logical size of the file
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// ReadAt implements io.ReaderAt
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= e.size {
		return 0, io.EOF
	}

	var short bool
	if rem := e.size - off; int64(len(p)) > rem {
		p, short = p[:rem], true
	}

	total := 0
	for total < len(p) {
		pos := off + int64(total)
		i := e.find(pos)
		if i == len(e.extents) || e.extents[i].Logical > pos {
			// Hole: zeros up to the next extent.
			end := int64(len(p))
			if i < len(e.extents) {
				end = min(end, e.extents[i].Logical-off)
			}
			clear(p[total:end])
			total = int(end)
			continue
		}

		ext := e.extents[i]
		within := pos - ext.Logical
		n := int(min(int64(len(p)-total), ext.Length-within))
		nr, err := e.r.ReadAt(p[total:total+n], ext.Physical+within)
		total += nr
		if err != nil && err != io.EOF {
			return total, err
		}
		if nr < n {
			return total, io.EOF
		}
	}

	if short {
		return total, io.EOF
	}
	return total, nil
}

// find returns the index of the extent containing pos, or of the first
// extent after pos.
func (e *ExtentReaderAt) find(pos int64) int {
	return sort.Search(len(e.extents), func(i int) bool {
		return e.extents[i].Logical+e.extents[i].Length > pos
	})
}
