package cmd

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/lvdlvd/vsfs/fsys"
)

// Cat copies the contents of a file to out. When the filesystem maps
// extents, the data is streamed straight from the image.
func Cat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", fsPath)
	}

	if em, ok := filesystem.(fsys.ExtentMapper); ok {
		if br, ok := filesystem.(interface{ BaseReader() io.ReaderAt }); ok {
			extents, err := em.FileExtents(fsPath)
			if err != nil {
				return err
			}
			r := fsys.NewExtentReaderAt(br.BaseReader(), extents, info.Size())
			_, err = io.Copy(out, io.NewSectionReader(r, 0, r.Size()))
			return err
		}
	}

	file, err := filesystem.Open(fsPath)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(out, file)
	return err
}

// Stat shows detailed information about a file or directory.
func Stat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "   File: %s\n", info.Name())
	fmt.Fprintf(out, "   Size: %d\n", info.Size())
	fmt.Fprintf(out, "   Mode: %s\n", info.Mode())
	fmt.Fprintf(out, "ModTime: %s\n", info.ModTime().UTC())
	if fi, ok := info.(fsys.FileInfo); ok {
		fmt.Fprintf(out, "  Inode: %d\n", fi.Inode())
	}
	if em, ok := filesystem.(fsys.ExtentMapper); ok && !info.IsDir() {
		extents, err := em.FileExtents(fsPath)
		if err != nil {
			return err
		}
		for _, e := range extents {
			fmt.Fprintf(out, " Extent: file [%d, %d) at image offset %d\n", e.Logical, e.Logical+e.Length, e.Physical)
		}
	}
	return nil
}
