// Package detect identifies vsfs images, and names a few common formats
// so that commands can say what an image is when it is not vsfs.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lvdlvd/vsfs/fsys/vsfs"
)

// Type represents an image type
type Type int

const (
	Unknown Type = iota
	VSFS
	Ext // ext2/3/4
	NTFS
	GPT // GUID Partition Table
)

func (t Type) String() string {
	switch t {
	case VSFS:
		return "vsfs"
	case Ext:
		return "ext"
	case NTFS:
		return "NTFS"
	case GPT:
		return "GPT"
	default:
		return "unknown"
	}
}

// Detect identifies the image type from the first two blocks of r.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 2*vsfs.BlockSize)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	if n < 2*vsfs.BlockSize {
		return Unknown, fmt.Errorf("image too small: %d bytes", n)
	}

	// The vsfs superblock is block 1, magic first.
	if binary.LittleEndian.Uint64(header[vsfs.BlockSize:]) == vsfs.Magic {
		return VSFS, nil
	}

	// "EFI PART" at LBA 1
	if bytes.Equal(header[512:520], []byte("EFI PART")) {
		return GPT, nil
	}

	// OEM id at offset 3
	if bytes.Equal(header[3:11], []byte("NTFS    ")) {
		return NTFS, nil
	}

	// ext superblock magic at 1024+0x38
	if binary.LittleEndian.Uint16(header[0x438:0x43A]) == 0xEF53 {
		return Ext, nil
	}

	return Unknown, nil
}
