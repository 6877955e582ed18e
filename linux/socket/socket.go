//go:build linux
// +build linux

// Package socket provides unix domain sockets on raw descriptors, so the run
// loop can poll them alongside the serial transport.
package socket

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const backlog = 1

// Listener is a bound, listening unix socket.
type Listener struct {
	fd     int
	path   string
	typ    int
	closed bool
}

// Listen binds a unix socket of the given type (unix.SOCK_STREAM or
// unix.SOCK_SEQPACKET) at path, removing a stale socket file first.
func Listen(path string, typ int) (*Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, errors.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, errors.Wrap(err, "can't remove stale socket")
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "can't bind %s", path)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, errors.Wrapf(err, "can't listen on %s", path)
	}

	return &Listener{fd: fd, path: path, typ: typ}, nil
}

func (l *Listener) Fd() int      { return l.fd }
func (l *Listener) Path() string { return l.path }

// Accept takes the next pending connection. Call it once poll reports the
// listener readable.
func (l *Listener) Accept() (*Conn, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "can't accept")
	}
	return newConn(fd, l.typ), nil
}

// Close closes the listener and unlinks its path. Later calls do nothing.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err := unix.Close(l.fd)
	os.Remove(l.path)
	return errors.Wrap(err, "can't close listener")
}

// Dial connects to a listening unix socket.
func Dial(path string, typ int) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "can't connect to %s", path)
	}
	return newConn(fd, typ), nil
}

// Pair returns two connected sockets of the given type.
func Pair(typ int) (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "can't create socket pair")
	}
	return newConn(fds[0], typ), newConn(fds[1], typ), nil
}

// Conn is one connected unix socket. Reads block; callers poll first.
type Conn struct {
	fd   int
	typ  int
	rmu  sync.Mutex
	wmu  sync.Mutex
	done chan int
	cmu  sync.Mutex
}

func newConn(fd, typ int) *Conn {
	return &Conn{fd: fd, typ: typ, done: make(chan int)}
}

func (c *Conn) Fd() int { return c.fd }

// Read returns io.EOF once the peer has closed. On a SOCK_SEQPACKET socket
// use ReadMessage, where an empty message is not end of stream.
func (c *Conn) Read(p []byte) (int, error) {
	if !c.isOpen() {
		return 0, io.EOF
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()
	n, err := unix.Read(c.fd, p)
	if err != nil {
		return 0, errors.Wrap(err, "can't read socket")
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of p. On a SOCK_SEQPACKET socket p is one message.
func (c *Conn) Write(p []byte) (int, error) {
	if !c.isOpen() {
		return 0, io.EOF
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.typ == unix.SOCK_SEQPACKET {
		n, err := unix.Write(c.fd, p)
		return n, errors.Wrap(err, "can't write socket")
	}

	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, errors.Wrap(err, "can't write socket")
		}
		written += n
	}
	return written, nil
}

// Buffered reports the bytes queued for reading. On a SOCK_SEQPACKET socket
// this is the total over all queued messages; see PeekMessage.
func (c *Conn) Buffered() int {
	n, err := unix.IoctlGetInt(c.fd, unix.SIOCINQ)
	if err != nil {
		return 0
	}
	return n
}

// PeekMessage returns the size of the next message on a SOCK_SEQPACKET
// socket without consuming it. Empty messages are dropped on the way. ok is
// false when nothing is queued, including after the peer hung up.
func (c *Conn) PeekMessage() (size int, ok bool) {
	if !c.isOpen() {
		return 0, false
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		n, _, err := unix.Recvfrom(c.fd, nil, unix.MSG_PEEK|unix.MSG_TRUNC|unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, false
		}
		if n > 0 {
			return n, true
		}
		// zero is either an empty message or end of stream
		if c.hungUp() {
			return 0, false
		}
		if _, _, err := unix.Recvfrom(c.fd, nil, unix.MSG_DONTWAIT); err != nil && err != unix.EINTR {
			return 0, false
		}
	}
}

// ReadMessage reads one message from a SOCK_SEQPACKET socket. truncated is
// set when the message did not fit in p; the rest of it is gone.
func (c *Conn) ReadMessage(p []byte) (n int, truncated bool, err error) {
	if !c.isOpen() {
		return 0, false, io.EOF
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		m, _, flags, _, rerr := unix.Recvmsg(c.fd, p, nil, 0)
		if rerr == unix.EINTR {
			continue
		}
		if rerr != nil {
			return 0, false, errors.Wrap(rerr, "can't read socket")
		}
		return m, flags&unix.MSG_TRUNC != 0, nil
	}
}

func (c *Conn) hungUp() bool {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfd, 0); err != nil {
		return false
	}
	return pfd[0].Revents&(unix.POLLHUP|unix.POLLRDHUP) != 0
}

func (c *Conn) Close() error {
	c.cmu.Lock()
	defer c.cmu.Unlock()

	select {
	case <-c.done:
		return nil

	default:
		close(c.done)
		c.rmu.Lock()
		err := unix.Close(c.fd)
		c.rmu.Unlock()

		return errors.Wrap(err, "can't close socket")
	}
}

func (c *Conn) isOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
