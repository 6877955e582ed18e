package hci

import (
	"github.com/pkg/errors"
	"github.com/rigado/ncp"
)

type State int

const (
	ReadPacketType State = iota
	ReadHeader
	ReadData
)

func (s State) String() string {
	switch s {
	case ReadPacketType:
		return "ReadPacketType"
	case ReadHeader:
		return "ReadHeader"
	case ReadData:
		return "ReadData"
	default:
		return "Unknown"
	}
}

// Chunking selects how payload bytes travel upward.
type Chunking int

const (
	// Stream transports deliver arbitrary byte runs. Frames longer than the
	// scratch buffer go upward in buffer-sized pieces.
	Stream Chunking = iota
	// Message transports deliver one chunk per read; each chunk is forwarded
	// as soon as it has been consumed.
	Message
)

// FrameFunc receives reassembled frames. last is false for a partial piece
// of a longer frame. A zero-length frame reports a reception failure. The
// slice is owned by the callee.
type FrameFunc func(frame []byte, last bool)

var (
	ErrUnknownPacketType = errors.New("hci: unknown packet type")
	ErrBufferTooSmall    = errors.New("hci: buffer smaller than largest header")
	// ErrTruncated is returned by a Message transport whose chunk did not
	// fit the read buffer. The chunk is lost but the transport is usable.
	ErrTruncated = errors.New("hci: chunk truncated")
)

type Option func(*Reassembler)

// WithSleepHint installs the callback told to keep the transport awake while
// the tail of a payload is being received.
func WithSleepHint(fn func(disable bool)) Option {
	return func(r *Reassembler) { r.sleepHint = fn }
}

// WithChunkSize sets the largest chunk a Message transport delivers.
func WithChunkSize(n int) Option {
	return func(r *Reassembler) { r.chunk = make([]byte, n) }
}

// Reassembler turns transport bytes back into frames.
type Reassembler struct {
	format   Format
	chunking Chunking
	onFrame  FrameFunc

	state   State
	pktType byte
	buf     []byte
	cursor  int
	need    int
	total   int

	chunk []byte

	sleepHint     func(bool)
	sleepDisabled bool

	log ncp.Logger
}

// NewReassembler builds a reassembler with a scratch buffer of size bytes.
func NewReassembler(f Format, c Chunking, size int, fn FrameFunc, opts ...Option) (*Reassembler, error) {
	if size < 1+f.MaxHeader() {
		return nil, ErrBufferTooSmall
	}

	r := &Reassembler{
		format:   f,
		chunking: c,
		onFrame:  fn,
		buf:      make([]byte, size),
		log:      ncp.Component("hci"),
	}
	for _, o := range opts {
		o(r)
	}
	if r.chunk == nil && c == Message {
		r.chunk = make([]byte, size)
	}

	r.Reset()
	return r, nil
}

func (r *Reassembler) State() State { return r.state }

// Total is the number of bytes consumed for the frame in progress.
func (r *Reassembler) Total() int { return r.total }

// Reset drops any partial frame.
func (r *Reassembler) Reset() {
	r.state = ReadPacketType
	r.cursor = 0
	r.need = 1
	r.total = 0
	r.setSleep(false)
}

// Pump moves everything the transport has buffered through the state
// machine. It returns only transport errors; framing errors are reported
// through the frame callback.
func (r *Reassembler) Pump(t Transport) error {
	if r.chunking == Message {
		return r.pumpMessage(t)
	}

	for {
		avail := t.Buffered()
		if avail <= 0 {
			return nil
		}

		want := r.want(avail)
		n, err := t.Read(r.buf[r.cursor : r.cursor+want])
		if err != nil {
			return errors.Wrap(err, "can't read transport")
		}
		if n == 0 {
			return nil
		}
		r.advance(n)
	}
}

func (r *Reassembler) pumpMessage(t Transport) error {
	for t.Buffered() > 0 {
		n, err := t.Read(r.chunk)
		if errors.Cause(err) == ErrTruncated {
			r.log.Warnf("%v", err)
			r.Reset()
			r.onFrame(nil, true)
			continue
		}
		if err != nil {
			return errors.Wrap(err, "can't read transport")
		}
		if n == 0 {
			return nil
		}
		r.Feed(r.chunk[:n])
	}
	return nil
}

// Feed runs bytes already in memory through the state machine. For Message
// chunking b is one chunk and any payload it carries is forwarded before
// Feed returns.
func (r *Reassembler) Feed(b []byte) {
	for len(b) > 0 {
		want := r.want(len(b))
		copy(r.buf[r.cursor:], b[:want])
		b = b[want:]
		r.advance(want)
	}

	if r.chunking == Message && r.state == ReadData && r.cursor > 0 {
		r.flush(false)
	}
}

// want returns how many bytes the current phase can take, given avail.
func (r *Reassembler) want(avail int) int {
	if r.state == ReadData && r.cursor == len(r.buf) {
		r.flush(false)
	}

	n := r.need
	if n > avail {
		n = avail
	}
	if room := len(r.buf) - r.cursor; n > room {
		n = room
	}

	if r.state == ReadData && n == r.need {
		r.setSleep(true)
	}
	return n
}

func (r *Reassembler) advance(n int) {
	r.cursor += n
	r.total += n
	r.need -= n
	if r.need > 0 {
		return
	}

	switch r.state {
	case ReadPacketType:
		r.pktType = r.buf[0]
		hl, act := r.format.Header(r.pktType)
		switch act {
		case Ignore:
			r.Reset()
		case Reject:
			r.log.Warnf("%v 0x%02x", ErrUnknownPacketType, r.pktType)
			r.Reset()
			r.onFrame(nil, true)
		default:
			r.state = ReadHeader
			r.need = hl
			if hl == 0 {
				r.headerDone()
			}
		}

	case ReadHeader:
		r.headerDone()

	case ReadData:
		r.flush(true)
		r.Reset()
	}
}

func (r *Reassembler) headerDone() {
	l := r.format.PayloadLen(r.pktType, r.buf[1:r.cursor])
	if l == 0 {
		r.flush(true)
		r.Reset()
		return
	}
	r.state = ReadData
	r.need = l
}

func (r *Reassembler) flush(last bool) {
	out := make([]byte, r.cursor)
	copy(out, r.buf[:r.cursor])
	r.cursor = 0
	r.onFrame(out, last)
}

func (r *Reassembler) setSleep(disable bool) {
	if r.sleepDisabled == disable {
		return
	}
	r.sleepDisabled = disable
	if r.sleepHint != nil {
		r.sleepHint(disable)
	}
}
