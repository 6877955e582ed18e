package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"github.com/pkg/errors"
)

// Link frame layout:
//
//	plain:     [type:1][len:1][payload:len]
//	encrypted: [type|0x40:1][len+9:1][ciphertext:len][tag:4][counter:4 LE][counter_hi:1]
const (
	HeaderSize    = 2
	TagSize       = 4
	TrailerSize   = 5
	Overhead      = TagSize + TrailerSize
	EncryptedFlag = 0x40

	adSize = HeaderSize + TrailerSize
)

var (
	ErrMalformed    = errors.New("security: malformed frame")
	ErrTooLong      = errors.New("security: frame too long to encrypt")
	ErrNotEncrypted = errors.New("security: frame is not marked encrypted")
	ErrReplay       = errors.New("security: replayed counter")
	ErrCounterGap   = errors.New("security: counter jumped too far ahead")
	ErrAuth         = errors.New("security: authentication failed")
	ErrExhausted    = errors.New("security: nonce counter exhausted, new key required")
)

type Header struct {
	Type   byte
	Length byte
}

// ParseHeader splits a frame into header and body, checking that the
// declared length matches what is there.
func ParseHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, ErrMalformed
	}
	h := Header{Type: frame[0], Length: frame[1]}
	body := frame[HeaderSize:]
	if len(body) != int(h.Length) {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "length field %d, body %d", h.Length, len(body))
	}
	return h, body, nil
}

func (h Header) Encrypted() bool { return h.Type&EncryptedFlag != 0 }

func (h Header) Bytes() []byte { return []byte{h.Type, h.Length} }

// Sealed returns the header a sender puts on the encrypted form of the frame.
func (h Header) Sealed() (Header, error) {
	if int(h.Length)+Overhead > 0xff {
		return Header{}, ErrTooLong
	}
	return Header{Type: h.Type | EncryptedFlag, Length: h.Length + Overhead}, nil
}

// Opened is the inverse of Sealed.
func (h Header) Opened() (Header, error) {
	if h.Length < Overhead {
		return Header{}, ErrMalformed
	}
	return Header{Type: h.Type &^ EncryptedFlag, Length: h.Length - Overhead}, nil
}

type Trailer struct {
	Counter   uint32
	CounterHi uint8
}

func parseTrailer(b []byte) Trailer {
	return Trailer{
		Counter:   binary.LittleEndian.Uint32(b[0:4]),
		CounterHi: b[4],
	}
}

func (t Trailer) AppendTo(b []byte) []byte {
	var tmp [TrailerSize]byte
	binary.LittleEndian.PutUint32(tmp[0:4], t.Counter)
	tmp[4] = t.CounterHi
	return append(b, tmp[:]...)
}

// associatedData is the unencrypted header followed by the trailer.
func associatedData(h Header, t Trailer) []byte {
	ad := make([]byte, 0, adSize)
	ad = append(ad, h.Type, h.Length)
	return t.AppendTo(ad)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "can't create aes cipher")
	}
	c, err := ccm.NewCCM(block, TagSize, NonceSize)
	if err != nil {
		return nil, errors.Wrap(err, "can't create ccm")
	}
	return c, nil
}

// seal encrypts one plain frame under nc and advances nc.
func seal(aead cipher.AEAD, nc *NonceCounter, frame []byte) ([]byte, error) {
	if nc.Exhausted() {
		return nil, ErrExhausted
	}
	h, payload, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.Encrypted() {
		return nil, errors.Wrap(ErrMalformed, "frame already marked encrypted")
	}
	sh, err := h.Sealed()
	if err != nil {
		return nil, err
	}

	tr := Trailer{Counter: nc.Counter, CounterHi: nc.CounterHi}
	nonce := nc.Nonce()

	out := make([]byte, 0, HeaderSize+int(sh.Length))
	out = append(out, sh.Type, sh.Length)
	out = aead.Seal(out, nonce[:], payload, associatedData(h, tr))
	out = tr.AppendTo(out)

	nc.Increment()
	return out, nil
}

// open checks and decrypts one encrypted frame. nc only moves when the frame
// authenticates. A maxGap of zero accepts any forward jump.
func open(aead cipher.AEAD, nc *NonceCounter, frame []byte, maxGap uint64) ([]byte, error) {
	if nc.Exhausted() {
		return nil, ErrExhausted
	}
	sh, body, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if !sh.Encrypted() {
		return nil, ErrNotEncrypted
	}
	h, err := sh.Opened()
	if err != nil {
		return nil, err
	}

	tr := parseTrailer(body[len(body)-TrailerSize:])
	if nc.Compare(tr.Counter, tr.CounterHi) < 0 {
		return nil, errors.Wrapf(ErrReplay, "got %d:%d, expect %d:%d",
			tr.CounterHi, tr.Counter, nc.CounterHi, nc.Counter)
	}

	claimed := *nc
	claimed.Counter = tr.Counter
	claimed.CounterHi = tr.CounterHi
	if maxGap > 0 && claimed.Value()-nc.Value() > maxGap {
		return nil, errors.Wrapf(ErrCounterGap, "jump of %d", claimed.Value()-nc.Value())
	}

	nonce := claimed.Nonce()
	sealed := body[:len(body)-TrailerSize]
	pt, err := aead.Open(nil, nonce[:], sealed, associatedData(h, tr))
	if err != nil {
		return nil, ErrAuth
	}

	out := make([]byte, 0, HeaderSize+len(pt))
	out = append(out, h.Type, h.Length)
	out = append(out, pt...)

	*nc = claimed
	nc.Increment()
	return out, nil
}
