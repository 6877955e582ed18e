package hci

import "github.com/pkg/errors"

// Action tells the reassembler what to do with a frame's first byte.
type Action int

const (
	Accept Action = iota
	Ignore
	Reject
)

// Format describes how a frame announces its size: a leading type byte,
// a fixed-size header chosen by that type, and a length field inside the
// header.
type Format interface {
	// Header returns the number of header bytes following type byte t.
	Header(t byte) (int, Action)
	// PayloadLen extracts the payload length from the header bytes.
	PayloadLen(t byte, hdr []byte) int
	// MaxHeader is the longest header any accepted type uses.
	MaxHeader() int
}

// HCIFormat frames H4 command and ACL data packets.
var HCIFormat Format = hciFormat{}

type hciFormat struct{}

func (hciFormat) Header(t byte) (int, Action) {
	switch t {
	case PktTypeIgnore:
		return 0, Ignore
	case PktTypeCommand:
		return commandHeaderLen, Accept
	case PktTypeACLData:
		return aclHeaderLen, Accept
	default:
		return 0, Reject
	}
}

func (hciFormat) PayloadLen(t byte, hdr []byte) int {
	switch t {
	case PktTypeCommand:
		var h CommandHeader
		if h.Unmarshal(hdr) != nil {
			return 0
		}
		return int(h.ParamLen)
	case PktTypeACLData:
		var h ACLHeader
		if h.Unmarshal(hdr) != nil {
			return 0
		}
		return int(h.Length)
	}
	return 0
}

func (hciFormat) MaxHeader() int { return aclHeaderLen }

// LinkFormat frames the NCP link: [type_and_flags:1][length:1][payload].
// Every type byte starts a frame.
var LinkFormat Format = linkFormat{}

// Framing names accepted by FormatByName.
const (
	FramingLink = "link"
	FramingHCI  = "hci"
)

// FormatByName maps a framing name to its Format.
func FormatByName(name string) (Format, error) {
	switch name {
	case FramingLink, "":
		return LinkFormat, nil
	case FramingHCI:
		return HCIFormat, nil
	}
	return nil, errors.Errorf("unknown framing %q", name)
}

// MaxLinkFrame is the largest link frame, header included.
const MaxLinkFrame = 2 + 0xff

type linkFormat struct{}

func (linkFormat) Header(byte) (int, Action)         { return 1, Accept }
func (linkFormat) PayloadLen(_ byte, hdr []byte) int { return int(hdr[0]) }
func (linkFormat) MaxHeader() int                    { return 1 }
