// Package nbd exports a disk image as a network block device, so that a vsfs
// image can be attached with nbd-client and inspected with block tools.
//
// Only the fixed newstyle handshake is spoken. One image is exported per
// server; clients may name it or ask for the default export.
package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Protocol constants
const (
	nbdMagic         = uint64(0x4e42444d41474943) // "NBDMAGIC"
	optMagic         = uint64(0x49484156454F5054) // "IHAVEOPT"
	optReplyMagic    = uint64(0x3e889045565a9)
	requestMagic     = uint32(0x25609513)
	simpleReplyMagic = uint32(0x67446698)

	flagFixedNewstyle = uint16(1 << 0)
	flagNoZeroes      = uint16(1 << 1)
	clientNoZeroes    = uint32(1 << 1)

	flagHasFlags  = uint16(1 << 0)
	flagReadOnly  = uint16(1 << 1)
	flagSendFlush = uint16(1 << 2)
	flagSendTrim  = uint16(1 << 5)

	optExportName = uint32(1)
	optAbort      = uint32(2)
	optList       = uint32(3)
	optGo         = uint32(7)

	repAck        = uint32(1)
	repServer     = uint32(2)
	repInfo       = uint32(3)
	repErrUnsup   = uint32(0x80000001)
	repErrUnknown = uint32(0x80000006)

	infoExport    = uint16(0)
	infoBlockSize = uint16(3)

	cmdRead  = uint16(0)
	cmdWrite = uint16(1)
	cmdDisc  = uint16(2)
	cmdFlush = uint16(3)
	cmdTrim  = uint16(4)

	errNone  = uint32(0)
	errPerm  = uint32(1)
	errIO    = uint32(5)
	errInval = uint32(22)

	blockSize    = 4096
	maxPayload   = 32 << 20
	maxOptionLen = 4096
)

var be = binary.BigEndian

// Export is the image served to clients.
type Export struct {
	Name     string
	Image    []byte
	ReadOnly bool
	// Sync, if set, is called on flush requests.
	Sync func() error
}

// Server serves one Export.
type Server struct {
	exp Export
	mu  sync.RWMutex // guards exp.Image
	log logrus.FieldLogger
}

// NewServer returns a server for exp. A nil log uses the logrus standard
// logger.
func NewServer(exp Export, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{exp: exp, log: log}
}

// ListenUnix replaces any stale socket at path and listens on it.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Serve accepts connections on l until ctx is done, and closes l.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	s.log.Infof("[nbd] export %q: %d bytes on %s (read-only=%v)", s.exp.Name, len(s.exp.Image), l.Addr(), s.exp.ReadOnly)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			log := s.log.WithField("remote", conn.RemoteAddr().String())
			if err := s.serveConn(conn); err != nil {
				log.Warnf("[nbd] connection: %v", err)
				return
			}
			log.Debugf("[nbd] connection closed")
		}()
	}
}

type session struct {
	s        *Server
	rw       io.ReadWriter
	noZeroes bool
}

func (s *Server) serveConn(rw io.ReadWriter) error {
	sess := &session{s: s, rw: rw}
	if err := sess.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return sess.transmit()
}

var errAbort = errors.New("client aborted negotiation")

func (sess *session) handshake() error {
	var greet [18]byte
	be.PutUint64(greet[0:], nbdMagic)
	be.PutUint64(greet[8:], optMagic)
	be.PutUint16(greet[16:], flagFixedNewstyle|flagNoZeroes)
	if _, err := sess.rw.Write(greet[:]); err != nil {
		return err
	}

	var cflags [4]byte
	if _, err := io.ReadFull(sess.rw, cflags[:]); err != nil {
		return err
	}
	sess.noZeroes = be.Uint32(cflags[:])&clientNoZeroes != 0

	for {
		var hdr [16]byte
		if _, err := io.ReadFull(sess.rw, hdr[:]); err != nil {
			return err
		}
		if m := be.Uint64(hdr[0:]); m != optMagic {
			return fmt.Errorf("bad option magic %#x", m)
		}
		opt, n := be.Uint32(hdr[8:]), be.Uint32(hdr[12:])
		if n > maxOptionLen {
			return fmt.Errorf("option %d: length %d too large", opt, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(sess.rw, data); err != nil {
			return err
		}

		done, err := sess.option(opt, data)
		if err != nil || done {
			return err
		}
	}
}

// option handles one negotiation option and reports whether transmission
// starts.
func (sess *session) option(opt uint32, data []byte) (bool, error) {
	exp := &sess.s.exp
	switch opt {
	case optExportName:
		if name := string(data); name != "" && name != exp.Name {
			return false, fmt.Errorf("unknown export %q", name)
		}
		resp := make([]byte, 10, 134)
		be.PutUint64(resp[0:], uint64(len(exp.Image)))
		be.PutUint16(resp[8:], sess.s.transmissionFlags())
		if !sess.noZeroes {
			resp = resp[:134]
		}
		_, err := sess.rw.Write(resp)
		return true, err

	case optGo:
		var name string
		if len(data) >= 4 {
			if n := be.Uint32(data); int(n) <= len(data)-4 {
				name = string(data[4 : 4+n])
			}
		}
		if name != "" && name != exp.Name {
			return false, sess.optReply(opt, repErrUnknown, nil)
		}

		info := make([]byte, 12)
		be.PutUint16(info[0:], infoExport)
		be.PutUint64(info[2:], uint64(len(exp.Image)))
		be.PutUint16(info[10:], sess.s.transmissionFlags())
		if err := sess.optReply(opt, repInfo, info); err != nil {
			return false, err
		}
		bs := make([]byte, 14)
		be.PutUint16(bs[0:], infoBlockSize)
		be.PutUint32(bs[2:], 1)
		be.PutUint32(bs[6:], blockSize)
		be.PutUint32(bs[10:], maxPayload)
		if err := sess.optReply(opt, repInfo, bs); err != nil {
			return false, err
		}
		return true, sess.optReply(opt, repAck, nil)

	case optList:
		entry := make([]byte, 4+len(exp.Name))
		be.PutUint32(entry, uint32(len(exp.Name)))
		copy(entry[4:], exp.Name)
		if err := sess.optReply(opt, repServer, entry); err != nil {
			return false, err
		}
		return false, sess.optReply(opt, repAck, nil)

	case optAbort:
		sess.optReply(opt, repAck, nil)
		return false, errAbort

	default:
		return false, sess.optReply(opt, repErrUnsup, nil)
	}
}

func (s *Server) transmissionFlags() uint16 {
	flags := flagHasFlags | flagSendFlush | flagSendTrim
	if s.exp.ReadOnly {
		flags |= flagReadOnly
	}
	return flags
}

func (sess *session) optReply(opt, typ uint32, data []byte) error {
	msg := make([]byte, 20+len(data))
	be.PutUint64(msg[0:], optReplyMagic)
	be.PutUint32(msg[8:], opt)
	be.PutUint32(msg[12:], typ)
	be.PutUint32(msg[16:], uint32(len(data)))
	copy(msg[20:], data)
	_, err := sess.rw.Write(msg)
	return err
}

func (sess *session) transmit() error {
	for {
		var req [28]byte
		if _, err := io.ReadFull(sess.rw, req[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if m := be.Uint32(req[0:]); m != requestMagic {
			return fmt.Errorf("bad request magic %#x", m)
		}
		typ := be.Uint16(req[6:])
		handle := req[8:16]
		off, n := be.Uint64(req[16:]), be.Uint32(req[24:])

		var err error
		switch typ {
		case cmdRead:
			err = sess.read(handle, off, n)
		case cmdWrite:
			err = sess.write(handle, off, n)
		case cmdFlush:
			err = sess.reply(handle, sess.s.flush(), nil)
		case cmdTrim:
			err = sess.reply(handle, errNone, nil)
		case cmdDisc:
			return nil
		default:
			sess.s.log.Debugf("[nbd] unknown command %d", typ)
			err = sess.reply(handle, errInval, nil)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) inRange(off uint64, n uint32) bool {
	size := uint64(len(s.exp.Image))
	return off <= size && uint64(n) <= size-off
}

func (sess *session) read(handle []byte, off uint64, n uint32) error {
	if n > maxPayload || !sess.s.inRange(off, n) {
		return sess.reply(handle, errInval, nil)
	}
	buf := make([]byte, n)
	sess.s.mu.RLock()
	copy(buf, sess.s.exp.Image[off:])
	sess.s.mu.RUnlock()
	return sess.reply(handle, errNone, buf)
}

func (sess *session) write(handle []byte, off uint64, n uint32) error {
	if n > maxPayload {
		return fmt.Errorf("write of %d bytes exceeds the maximum payload", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(sess.rw, buf); err != nil {
		return err
	}
	switch {
	case sess.s.exp.ReadOnly:
		return sess.reply(handle, errPerm, nil)
	case !sess.s.inRange(off, n):
		return sess.reply(handle, errInval, nil)
	}
	sess.s.mu.Lock()
	copy(sess.s.exp.Image[off:], buf)
	sess.s.mu.Unlock()
	return sess.reply(handle, errNone, nil)
}

func (s *Server) flush() uint32 {
	if s.exp.Sync == nil {
		return errNone
	}
	if err := s.exp.Sync(); err != nil {
		s.log.Warnf("[nbd] flush: %v", err)
		return errIO
	}
	return errNone
}

func (sess *session) reply(handle []byte, code uint32, data []byte) error {
	msg := make([]byte, 16+len(data))
	be.PutUint32(msg[0:], simpleReplyMagic)
	be.PutUint32(msg[4:], code)
	copy(msg[8:], handle)
	copy(msg[16:], data)
	_, err := sess.rw.Write(msg)
	return err
}
