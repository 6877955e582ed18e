package security

type State int

const (
	Undefined State = iota
	Unencrypted
	HandshakeInProgress
	Encrypted
)

func (s State) String() string {
	switch s {
	case Undefined:
		return "undefined"
	case Unencrypted:
		return "unencrypted"
	case HandshakeInProgress:
		return "handshake"
	case Encrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Role says which end of the link a session sits on. The nonce layout names
// host and target IVs, so both ends need to know which is which.
type Role int

const (
	Host Role = iota
	Target
)
