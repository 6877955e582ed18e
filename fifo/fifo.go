// Package fifo implements the byte ring buffer that sits between a DMA style
// producer (the UART receive path) and the frame reassembler.
//
// The buffer is index based: head is the next byte to read, count the number
// of committed bytes, and reserved the size of the window currently handed to
// a producer for an in-flight transfer. The committed tail is head+count and
// the DMA window starts there.
//
// Fifo does no locking. Producer and consumer running on different goroutines
// must wrap every call in their own atomic section.
package fifo

import (
	"github.com/pkg/errors"
)

var (
	ErrBadTail  = errors.New("fifo: tail outside reserved window")
	ErrCapacity = errors.New("fifo: capacity must be positive")
)

type Fifo struct {
	buf      []byte
	head     int
	count    int
	reserved int
}

// New allocates a fifo of the given capacity.
func New(capacity int) (*Fifo, error) {
	if capacity <= 0 {
		return nil, ErrCapacity
	}
	f := &Fifo{}
	f.Init(make([]byte, capacity))
	return f, nil
}

// Init resets the fifo to use buf as its backing store.
func (f *Fifo) Init(buf []byte) {
	f.buf = buf
	f.Reset()
}

// Reset drops all committed data and any open reservation.
func (f *Fifo) Reset() {
	f.head = 0
	f.count = 0
	f.reserved = 0
}

func (f *Fifo) Cap() int      { return len(f.buf) }
func (f *Fifo) Len() int      { return f.count }
func (f *Fifo) Space() int    { return len(f.buf) - f.count }
func (f *Fifo) Reserved() int { return f.reserved }
func (f *Fifo) Full() bool    { return f.count == len(f.buf) }

// DMAFull reports whether committed data plus the open window cover the
// whole buffer.
func (f *Fifo) DMAFull() bool { return f.count+f.reserved == len(f.buf) }

// Tail returns the index one past the last committed byte.
func (f *Fifo) Tail() int {
	return f.wrap(f.head + f.count)
}

func (f *Fifo) wrap(i int) int {
	if len(f.buf) == 0 {
		return 0
	}
	return i % len(f.buf)
}

// Write copies as much of p as fits and returns the number of bytes written.
// Nothing is written while a DMA window is open, since the window starts at
// the same tail a plain write would use.
func (f *Fifo) Write(p []byte) int {
	if f.reserved > 0 {
		return 0
	}

	n := len(p)
	if s := f.Space(); n > s {
		n = s
	}

	tail := f.Tail()
	first := copy(f.buf[tail:], p[:n])
	copy(f.buf, p[first:n])
	f.count += n
	return n
}

// Read moves up to len(p) committed bytes into p.
func (f *Fifo) Read(p []byte) int {
	return f.read(p, len(p))
}

// Skip discards up to n committed bytes.
func (f *Fifo) Skip(n int) int {
	return f.read(nil, n)
}

func (f *Fifo) read(p []byte, n int) int {
	if n > f.count {
		n = f.count
	}
	if n <= 0 {
		return 0
	}

	if p != nil {
		first := copy(p[:n], f.buf[f.head:])
		copy(p[first:n], f.buf)
	}

	f.head = f.wrap(f.head + n)
	f.count -= n
	return n
}

// Reserve claims up to n bytes of contiguous free space right after the
// committed tail (and after any window already open). The returned slice
// never crosses the end of the backing array; a producer that wants to fill
// across the wrap calls Reserve twice.
func (f *Fifo) Reserve(n int) []byte {
	free := len(f.buf) - f.count - f.reserved
	if n > free {
		n = free
	}
	if n <= 0 {
		return nil
	}

	start := f.wrap(f.head + f.count + f.reserved)
	if c := len(f.buf) - start; n > c {
		n = c
	}

	f.reserved += n
	return f.buf[start : start+n]
}

// Commit makes the first n bytes of the open window readable.
func (f *Fifo) Commit(n int) int {
	if n > f.reserved {
		n = f.reserved
	}
	if n <= 0 {
		return 0
	}
	f.count += n
	f.reserved -= n
	return n
}

// SetTail finalizes a transfer by moving the committed tail to index tail,
// which must lie within the open window. An index equal to Cap() is the same
// position as 0.
func (f *Fifo) SetTail(tail int) error {
	if tail < 0 || tail > len(f.buf) {
		return ErrBadTail
	}

	cur := f.Tail()
	adv := f.wrap(tail - cur + len(f.buf))
	if adv == 0 && f.reserved > 0 && f.DMAFull() && f.wrap(tail) == f.head {
		// tail caught up with head, the whole window landed
		adv = f.reserved
	}
	if adv > f.reserved {
		return ErrBadTail
	}

	f.Commit(adv)
	return nil
}

// Release abandons whatever is left of the open window.
func (f *Fifo) Release() {
	f.reserved = 0
}
