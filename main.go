// vsfs - create, mount and inspect vsfs disk images
//
// Usage:
//
//	vsfs mkfs [-s size] [-i inodes] [-uuid uuid] <image>
//	vsfs mount [-debug] [-allow-other] <image> <mountpoint>
//	vsfs export [-socket path] [-name name] [-w] <image>
//	vsfs ls [-l] <image> [path]
//	vsfs cat <image> <path>
//	vsfs stat <image> <path>
//	vsfs info <image>
//	vsfs free <image>
//	vsfs fsck <image>
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/vsfs/cmd"
	"github.com/lvdlvd/vsfs/detect"
	"github.com/lvdlvd/vsfs/fsys/vsfs"
	"github.com/lvdlvd/vsfs/mapfile"
	"github.com/lvdlvd/vsfs/mount"
	"github.com/lvdlvd/vsfs/nbd"
)

const usage = "usage: vsfs <mkfs|mount|export|ls|cat|stat|info|free|fsck> [options] <image> [args]"

// errMountFailed is reported when the image cannot be served.
var errMountFailed = errors.New("failed to mount the file system")

func main() {
	log.SetOutput(os.Stderr)
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vsfs: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		return errors.New(usage)
	}

	command, cmdArgs := args[0], args[1:]
	switch command {
	case "mkfs":
		return runMkfs(cmdArgs, stdout, stderr)
	case "mount":
		return runMount(cmdArgs, stderr)
	case "export":
		return runExport(cmdArgs, stderr)
	case "ls", "cat", "stat", "info", "free", "fsck":
		return runInspect(command, cmdArgs, stdout, stderr)
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runMkfs(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("mkfs", stderr)
	sizeStr := fs.String("s", "64M", "image size in bytes, with an optional K, M or G suffix")
	inodes := fs.Uint64("i", 0, "number of inodes (default: one per four blocks)")
	uuidStr := fs.String("uuid", "", "volume UUID (default: random)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("mkfs requires an image path")
	}

	size, err := parseSize(*sizeStr)
	if err != nil {
		return err
	}
	if *inodes > math.MaxUint32 {
		return fmt.Errorf("invalid inode count %d", *inodes)
	}
	opts := vsfs.FormatOptions{Inodes: uint32(*inodes)}
	if *uuidStr != "" {
		if opts.UUID, err = uuid.Parse(*uuidStr); err != nil {
			return fmt.Errorf("parsing -uuid: %w", err)
		}
	}

	img, err := mapfile.Create(fs.Arg(0), size)
	if err != nil {
		return err
	}
	if err := vsfs.Format(img.Bytes(), opts); err != nil {
		img.Close()
		return err
	}
	if err := img.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d blocks of %d bytes\n", fs.Arg(0), size/vsfs.BlockSize, vsfs.BlockSize)
	return nil
}

// parseSize parses a byte count such as 4096, 512K or 64M.
func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func runMount(args []string, stderr io.Writer) error {
	fs := newFlagSet("mount", stderr)
	debug := fs.Bool("debug", false, "log every filesystem operation")
	allowOther := fs.Bool("allow-other", false, "allow other users to access the mount")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("mount requires an image path and a mountpoint")
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	img, err := mapfile.Open(fs.Arg(0))
	if err != nil {
		log.Errorf("opening image: %v", err)
		return errMountFailed
	}
	v, err := vsfs.Open(img.Bytes(), vsfs.Options{Closer: img, Logger: log.StandardLogger()})
	if err != nil {
		img.Close()
		log.Errorf("%s: %v", fs.Arg(0), err)
		return errMountFailed
	}
	defer v.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = mount.Mount(ctx, fs.Arg(1), v, mount.Options{
		Debug:      *debug,
		AllowOther: *allowOther,
		Logger:     log.StandardLogger(),
	})
	if err != nil {
		log.Error(err)
		return errMountFailed
	}
	return nil
}

func runExport(args []string, stderr io.Writer) error {
	fs := newFlagSet("export", stderr)
	socket := fs.String("socket", "vsfs.sock", "unix socket to listen on")
	name := fs.String("name", "", "export name (default: image file name)")
	writable := fs.Bool("w", false, "accept writes")
	debug := fs.Bool("debug", false, "log every connection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("export requires an image path")
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	open := mapfile.OpenReadOnly
	if *writable {
		open = mapfile.Open
	}
	img, err := open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	if *name == "" {
		*name = filepath.Base(fs.Arg(0))
	}
	l, err := nbd.ListenUnix(*socket)
	if err != nil {
		return err
	}
	defer os.Remove(*socket)
	log.Infof("connect with: nbd-client -N %s -unix %s /dev/nbdX", *name, *socket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := nbd.NewServer(nbd.Export{
		Name:     *name,
		Image:    img.Bytes(),
		ReadOnly: !*writable,
		Sync:     img.Sync,
	}, log.StandardLogger())
	return srv.Serve(ctx, l)
}

// runInspect runs the read-only commands, which all take the image first.
func runInspect(command string, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet(command, stderr)
	long := fs.Bool("l", false, "use long listing format")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if command != "ls" && *long {
		return fmt.Errorf("%s: -l is only valid for ls", command)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%s requires an image path", command)
	}

	v, err := openImage(fs.Arg(0))
	if err != nil {
		return err
	}
	defer v.Close()

	pathArg := func() (string, error) {
		if fs.NArg() < 2 {
			return "", fmt.Errorf("%s requires a path argument", command)
		}
		return fs.Arg(1), nil
	}

	switch command {
	case "ls":
		p := "/"
		if fs.NArg() > 1 {
			p = fs.Arg(1)
		}
		return cmd.Ls(v, p, stdout, cmd.LsOptions{Long: *long})
	case "cat":
		p, err := pathArg()
		if err != nil {
			return err
		}
		return cmd.Cat(v, p, stdout)
	case "stat":
		p, err := pathArg()
		if err != nil {
			return err
		}
		return cmd.Stat(v, p, stdout)
	case "info":
		return cmd.Info(v, stdout)
	case "free":
		return cmd.Free(v, stdout)
	default:
		return cmd.Fsck(v, stdout)
	}
}

// openImage maps path read-only and opens it as vsfs. Closing the returned
// filesystem unmaps the image.
func openImage(path string) (*vsfs.FS, error) {
	img, err := mapfile.OpenReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	typ, err := detect.Detect(bytes.NewReader(img.Bytes()))
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("detecting filesystem: %w", err)
	}
	if typ != detect.VSFS {
		img.Close()
		return nil, fmt.Errorf("%s: not a vsfs image (detected %s)", path, typ)
	}

	v, err := vsfs.Open(img.Bytes(), vsfs.Options{Closer: img, Logger: log.StandardLogger()})
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("opening filesystem: %w", err)
	}
	return v, nil
}
