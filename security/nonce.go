package security

import (
	"encoding/binary"
	"math"
)

const (
	IVSize    = 4
	NonceSize = 13
)

// NonceCounter tracks one direction of the link. The nonce for a frame is
// {Counter:4 LE}{CounterHi:1}{HostIV:4}{TargetIV:4}.
type NonceCounter struct {
	Counter   uint32
	CounterHi uint8
	HostIV    [IVSize]byte
	TargetIV  [IVSize]byte

	spent bool
}

func (n *NonceCounter) Reset() {
	n.Counter = 0
	n.CounterHi = 0
	n.spent = false
}

// Exhausted reports that the last (CounterHi, Counter) pair has been used.
// No further frame can be sealed or opened under the current key.
func (n NonceCounter) Exhausted() bool { return n.spent }

// Increment advances the counter, carrying into CounterHi when Counter wraps.
// It stops at the last value and marks the counter exhausted.
func (n *NonceCounter) Increment() {
	if n.Counter == math.MaxUint32 && n.CounterHi == math.MaxUint8 {
		n.spent = true
		return
	}
	n.Counter++
	if n.Counter == 0 {
		n.CounterHi++
	}
}

// Value packs (CounterHi, Counter) into one ordered number.
func (n NonceCounter) Value() uint64 {
	return uint64(n.CounterHi)<<32 | uint64(n.Counter)
}

// Compare orders (hi, counter) against the tracked value lexicographically:
// -1 if it is behind, 0 if equal, 1 if ahead.
func (n NonceCounter) Compare(counter uint32, hi uint8) int {
	switch {
	case hi < n.CounterHi:
		return -1
	case hi > n.CounterHi:
		return 1
	case counter < n.Counter:
		return -1
	case counter > n.Counter:
		return 1
	}
	return 0
}

func (n NonceCounter) Nonce() [NonceSize]byte {
	var b [NonceSize]byte
	binary.LittleEndian.PutUint32(b[0:4], n.Counter)
	b[4] = n.CounterHi
	copy(b[5:9], n.HostIV[:])
	copy(b[9:13], n.TargetIV[:])
	return b
}
