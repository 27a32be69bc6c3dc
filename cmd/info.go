package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/lvdlvd/vsfs/fsys"
	"github.com/lvdlvd/vsfs/fsys/vsfs"
)

// Info prints the volume identity and usage, like df.
func Info(v *vsfs.FS, out io.Writer) error {
	st := v.Statfs()
	fmt.Fprintf(out, "Filesystem type: %s\n", v.Type())
	fmt.Fprintf(out, "UUID:            %s\n", v.UUID())
	fmt.Fprintf(out, "Block size:      %d\n", st.Bsize)
	fmt.Fprintf(out, "Blocks:          %d total, %d free, %d used\n", st.Blocks, st.Bfree, st.Blocks-st.Bfree)
	fmt.Fprintf(out, "Inodes:          %d total, %d free, %d used\n", st.Files, st.Ffree, st.Files-st.Ffree)
	fmt.Fprintf(out, "Max name length: %d\n", st.Namemax)
	return nil
}

// Free lists the free byte ranges of the image.
func Free(fb fsys.FreeBlocker, out io.Writer) error {
	ranges, err := fb.FreeBlocks()
	if err != nil {
		return err
	}
	for _, r := range ranges {
		fmt.Fprintf(out, "%12d %12d %12d\n", r.Start, r.End, r.Size())
	}
	fmt.Fprintf(out, "%d bytes free in %d ranges\n", fsys.TotalSize(ranges), len(ranges))
	return nil
}

// Fsck reports every consistency problem of the image, one per line, and
// returns an error when there was any.
func Fsck(v *vsfs.FS, out io.Writer) error {
	err := v.Check()
	if err == nil {
		fmt.Fprintln(out, "clean")
		return nil
	}
	fmt.Fprintln(out, err)
	return errors.New("image is inconsistent")
}
