package mount

import (
	"context"
	"io"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/vsfs/fsys/vsfs"
)

// rootNode is the root directory.
type rootNode struct {
	fs.Inode
	vfs *vsfs.FS
	log logrus.FieldLogger
}

var (
	_ fs.NodeGetattrer = (*rootNode)(nil)
	_ fs.NodeSetattrer = (*rootNode)(nil)
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeReaddirer = (*rootNode)(nil)
	_ fs.NodeCreater   = (*rootNode)(nil)
	_ fs.NodeUnlinker  = (*rootNode)(nil)
	_ fs.NodeStatfser  = (*rootNode)(nil)
)

func newRoot(vfs *vsfs.FS, log logrus.FieldLogger) *rootNode {
	return &rootNode{vfs: vfs, log: log}
}

func (r *rootNode) newFile(name string) *fileNode {
	return &fileNode{vfs: r.vfs, log: r.log, path: "/" + name}
}

// Getattr implements fs.NodeGetattrer.
func (r *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	r.log.Debugf("[fuse] Getattr: path=/")
	st, err := r.vfs.Getattr("/")
	if err != nil {
		return toErrno(err)
	}
	fillAttr(st, &out.Attr)
	return fs.OK
}

// Setattr implements fs.NodeSetattrer. Only the modification time of the
// root can change.
func (r *rootNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	r.log.Debugf("[fuse] Setattr: path=/ valid=%#x", in.Valid)
	if _, ok := in.GetSize(); ok {
		return syscall.EISDIR
	}
	if err := r.vfs.Utimens("/", mtimeChange(in)); err != nil {
		return toErrno(err)
	}
	return r.Getattr(ctx, fh, out)
}

// Lookup implements fs.NodeLookuper.
func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	r.log.Debugf("[fuse] Lookup: path=/%s", name)
	child := r.newFile(name)
	st, err := r.vfs.Getattr(child.path)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(st, &out.Attr)
	return r.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: uint64(st.Ino)}), fs.OK
}

// Readdir implements fs.NodeReaddirer.
func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	r.log.Debugf("[fuse] Readdir: path=/")
	var entries []fuse.DirEntry
	err := r.vfs.Readdir("/", func(name string) error {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
		return nil
	})
	if err != nil {
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(entries), fs.OK
}

// Create implements fs.NodeCreater.
func (r *rootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	r.log.Debugf("[fuse] Create: path=/%s mode=%#o", name, mode)
	child := r.newFile(name)
	ino, err := r.vfs.Create(child.path, mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	st, err := r.vfs.Getattr(child.path)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(st, &out.Attr)
	node := r.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: uint64(ino)})
	return node, nil, 0, fs.OK
}

// Unlink implements fs.NodeUnlinker.
func (r *rootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	r.log.Debugf("[fuse] Unlink: path=/%s", name)
	return toErrno(r.vfs.Unlink("/" + name))
}

// Statfs implements fs.NodeStatfser.
func (r *rootNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	r.log.Debugf("[fuse] Statfs")
	fillStatfs(r.vfs.Statfs(), out)
	return fs.OK
}

// fileNode is a regular file in the root directory.
type fileNode struct {
	fs.Inode
	vfs  *vsfs.FS
	log  logrus.FieldLogger
	path string
}

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeReader    = (*fileNode)(nil)
	_ fs.NodeWriter    = (*fileNode)(nil)
)

// Getattr implements fs.NodeGetattrer.
func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.log.Debugf("[fuse] Getattr: path=%s", n.path)
	st, err := n.vfs.Getattr(n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(st, &out.Attr)
	return fs.OK
}

// Setattr implements fs.NodeSetattrer for truncate and utimens. Mode and
// owner changes are ignored.
func (n *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.log.Debugf("[fuse] Setattr: path=%s valid=%#x", n.path, in.Valid)
	if size, ok := in.GetSize(); ok {
		if err := n.vfs.Truncate(n.path, int64(size)); err != nil {
			return toErrno(err)
		}
	}
	if err := n.vfs.Utimens(n.path, mtimeChange(in)); err != nil {
		return toErrno(err)
	}
	return n.Getattr(ctx, fh, out)
}

// Open implements fs.NodeOpener. Reads and writes go straight to the node.
func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.log.Debugf("[fuse] Open: path=%s flags=%#x", n.path, flags)
	if _, err := n.vfs.Lookup(n.path); err != nil {
		return nil, 0, toErrno(err)
	}
	return nil, 0, fs.OK
}

// Read implements fs.NodeReader.
func (n *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.log.Debugf("[fuse] Read: path=%s off=%d len=%d", n.path, off, len(dest))
	nr, err := n.vfs.ReadAt(n.path, dest, off)
	if err != nil && err != io.EOF {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:nr]), fs.OK
}

// Write implements fs.NodeWriter.
func (n *fileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.log.Debugf("[fuse] Write: path=%s off=%d len=%d", n.path, off, len(data))
	nw, err := n.vfs.WriteAt(n.path, data, off)
	if err != nil {
		return uint32(nw), toErrno(err)
	}
	return uint32(nw), fs.OK
}
