// Package mount serves a vsfs filesystem to the kernel through FUSE.
//
// The root directory and every file are go-fuse nodes that forward each
// callback to the *vsfs.FS by absolute path. No state is cached here; the
// image is the only source of truth.
package mount

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/vsfs/fsys/vsfs"
)

// Options configures Mount.
type Options struct {
	// Debug turns on go-fuse's protocol trace.
	Debug bool
	// AllowOther lets users other than the mounter see the filesystem.
	AllowOther bool
	// Logger receives per-callback debug traces. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger
}

// Mount serves vfs at mountpoint until ctx is done or the filesystem is
// unmounted from outside, then unmounts.
func Mount(ctx context.Context, mountpoint string, vfs *vsfs.FS, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	fsOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			FsName:     "vsfs",
			Name:       "vsfs",
			Debug:      opts.Debug,
		},
	}

	server, err := fs.Mount(mountpoint, newRoot(vfs, log), fsOpts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	log.Infof("[fuse] mounted on %s", mountpoint)

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Infof("[fuse] %s was unmounted", mountpoint)
		return nil
	case <-ctx.Done():
	}

	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", mountpoint, err)
	}
	<-done
	log.Infof("[fuse] unmounted %s", mountpoint)
	return nil
}

// toErrno converts an error from the core to the errno the kernel expects.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

func fillAttr(st vsfs.Stat, out *fuse.Attr) {
	out.Ino = uint64(st.Ino)
	out.Mode = st.Mode
	out.Nlink = st.Nlink
	out.Size = st.Size
	out.Blocks = st.Blocks
	out.Blksize = vsfs.BlockSize
	mtime := st.Mtime
	out.SetTimes(nil, &mtime, nil)
}

func fillStatfs(s vsfs.Statfs, out *fuse.StatfsOut) {
	out.Bsize = s.Bsize
	out.Frsize = s.Frsize
	out.Blocks = s.Blocks
	out.Bfree = s.Bfree
	out.Bavail = s.Bavail
	out.Files = s.Files
	out.Ffree = s.Ffree
	out.NameLen = s.Namemax
}

// mtimeChange turns the mtime part of a setattr request into a Utimens
// argument.
func mtimeChange(in *fuse.SetAttrIn) vsfs.Mtime {
	if in.Valid&fuse.FATTR_MTIME_NOW != 0 {
		return vsfs.Mtime{Now: true}
	}
	if t, ok := in.GetMTime(); ok {
		return vsfs.Mtime{Time: t}
	}
	return vsfs.Mtime{Omit: true}
}
