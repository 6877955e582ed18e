package hci

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HCI packet indicators [Vol 4, Part A, 2].
const (
	PktTypeIgnore  = 0x00
	PktTypeCommand = 0x01
	PktTypeACLData = 0x02
)

const (
	commandHeaderLen = 3 // opcode:2, param_len:1
	aclHeaderLen     = 4 // handle:2, length:2

	// MaxCommandFrame is the largest command frame including the indicator.
	MaxCommandFrame = 1 + commandHeaderLen + 0xff
)

var ErrShortHeader = errors.New("hci: header too short")

// CommandHeader is the header of an HCI command packet.
type CommandHeader struct {
	OpCode   uint16
	ParamLen uint8
}

func (h *CommandHeader) Unmarshal(b []byte) error {
	if len(b) < commandHeaderLen {
		return ErrShortHeader
	}
	h.OpCode = binary.LittleEndian.Uint16(b)
	h.ParamLen = b[2]
	return nil
}

func (h CommandHeader) Marshal() []byte {
	b := make([]byte, commandHeaderLen)
	binary.LittleEndian.PutUint16(b, h.OpCode)
	b[2] = h.ParamLen
	return b
}

// OGF and OCF split the opcode into group and command fields.
func (h CommandHeader) OGF() uint16 { return h.OpCode >> 10 }
func (h CommandHeader) OCF() uint16 { return h.OpCode & 0x3ff }

// ACLHeader is the header of an HCI ACL data packet. Packet boundary and
// broadcast flags live in the top nibble of Handle.
type ACLHeader struct {
	Handle uint16
	Length uint16
}

func (h *ACLHeader) Unmarshal(b []byte) error {
	if len(b) < aclHeaderLen {
		return ErrShortHeader
	}
	h.Handle = binary.LittleEndian.Uint16(b)
	h.Length = binary.LittleEndian.Uint16(b[2:])
	return nil
}

func (h ACLHeader) Marshal() []byte {
	b := make([]byte, aclHeaderLen)
	binary.LittleEndian.PutUint16(b, h.Handle)
	binary.LittleEndian.PutUint16(b[2:], h.Length)
	return b
}

func (h ACLHeader) ConnHandle() uint16 { return h.Handle & 0x0fff }
func (h ACLHeader) Pbf() int           { return int(h.Handle>>12) & 0x3 }
