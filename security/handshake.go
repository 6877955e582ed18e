package security

import (
	"github.com/pkg/errors"
)

// Handshake messages travel as plain link frames of type HandshakeType:
//
//	[0x20][len][op:1][public key:64][iv to target:4][iv to host:4]
//
// A failure message carries only the op byte.
const (
	HandshakeType = 0x20

	OpRequest  = 0x01
	OpResponse = 0x02
	OpFailure  = 0x03

	handshakeBody = 1 + PublicKeySize + 2*IVSize
)

var ErrBadHandshake = errors.New("security: malformed handshake message")

// Handshake is what each side tells the other: its ephemeral public key and
// the IV it contributes to each direction.
type Handshake struct {
	PublicKey  [PublicKeySize]byte
	IVToTarget [IVSize]byte
	IVToHost   [IVSize]byte
}

func (h Handshake) marshal(op byte) []byte {
	b := make([]byte, 0, HeaderSize+handshakeBody)
	b = append(b, HandshakeType, handshakeBody, op)
	b = append(b, h.PublicKey[:]...)
	b = append(b, h.IVToTarget[:]...)
	b = append(b, h.IVToHost[:]...)
	return b
}

func (h Handshake) MarshalRequest() []byte  { return h.marshal(OpRequest) }
func (h Handshake) MarshalResponse() []byte { return h.marshal(OpResponse) }

func MarshalFailure() []byte {
	return []byte{HandshakeType, 1, OpFailure}
}

// IsHandshake reports whether a link frame belongs to the key exchange.
func IsHandshake(frame []byte) bool {
	return len(frame) >= HeaderSize+1 && frame[0] == HandshakeType
}

// ParseHandshake decodes a handshake frame. For OpFailure the returned
// Handshake is empty.
func ParseHandshake(frame []byte) (byte, Handshake, error) {
	var h Handshake

	hdr, body, err := ParseHeader(frame)
	if err != nil {
		return 0, h, err
	}
	if hdr.Type != HandshakeType || len(body) == 0 {
		return 0, h, ErrBadHandshake
	}

	op := body[0]
	switch op {
	case OpFailure:
		return op, h, nil
	case OpRequest, OpResponse:
	default:
		return 0, h, errors.Wrapf(ErrBadHandshake, "unknown op 0x%02x", op)
	}

	if len(body) != handshakeBody {
		return 0, h, errors.Wrapf(ErrBadHandshake, "body length %d", len(body))
	}
	b := body[1:]
	copy(h.PublicKey[:], b[:PublicKeySize])
	b = b[PublicKeySize:]
	copy(h.IVToTarget[:], b[:IVSize])
	copy(h.IVToHost[:], b[IVSize:])
	return op, h, nil
}
