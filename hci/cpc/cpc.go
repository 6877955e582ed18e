//go:build linux
// +build linux

// Package cpc is the message oriented transport: a SOCK_SEQPACKET endpoint
// where every read returns exactly one chunk sent by the co-processor
// daemon.
package cpc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ncp"
	"github.com/rigado/ncp/hci"
	"github.com/rigado/ncp/linux/socket"
	"golang.org/x/sys/unix"
)

// MaxChunk is the largest message the endpoint delivers.
const MaxChunk = 4096

// ErrShortBuffer reports a chunk larger than the read buffer. It is
// hci.ErrTruncated so the reassembler treats it as a framing error.
var ErrShortBuffer = hci.ErrTruncated

type Endpoint struct {
	conn *socket.Conn
	log  ncp.Logger
}

// Open connects to the endpoint socket at path.
func Open(path string) (*Endpoint, error) {
	c, err := socket.Dial(path, unix.SOCK_SEQPACKET)
	if err != nil {
		return nil, errors.Wrap(err, "can't open cpc endpoint")
	}
	e := New(c)
	e.log.Infof("connected to %s", path)
	return e, nil
}

// New wraps an already connected seqpacket socket.
func New(c *socket.Conn) *Endpoint {
	return &Endpoint{conn: c, log: ncp.Component("cpc")}
}

func (e *Endpoint) Fd() int { return e.conn.Fd() }

// Buffered is the size of the next chunk, zero when none is queued or the
// peer has gone. Empty chunks carry nothing and are skipped.
func (e *Endpoint) Buffered() int {
	n, _ := e.conn.PeekMessage()
	return n
}

// Read returns one chunk. A chunk larger than p is consumed and reported as
// ErrShortBuffer; the endpoint stays usable.
func (e *Endpoint) Read(p []byte) (int, error) {
	n, truncated, err := e.conn.ReadMessage(p)
	if err != nil {
		return 0, err
	}
	if truncated {
		e.log.Warnf("dropped chunk larger than %d bytes", len(p))
		return 0, errors.Wrapf(ErrShortBuffer, "buffer %d", len(p))
	}
	return n, nil
}

// Write sends p as one chunk.
func (e *Endpoint) Write(p []byte) (int, error) {
	if len(p) > MaxChunk {
		return 0, errors.Errorf("chunk of %d exceeds %d", len(p), MaxChunk)
	}
	return e.conn.Write(p)
}

func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// ChunkSize tells the run loop to reassemble this transport per message.
func (e *Endpoint) ChunkSize() int { return MaxChunk }
