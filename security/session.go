// Package security implements the NCP link encryption session: an ECDH
// P-256 key exchange followed by AES-CCM protected frames with a per
// direction nonce counter.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/ncp"
)

var (
	ErrState = errors.New("security: operation not valid in current state")
	ErrRole  = errors.New("security: operation not valid for this role")
)

type Option func(*Session)

// WithRole selects which end of the link the session runs on. Default Host.
func WithRole(r Role) Option {
	return func(s *Session) { s.role = r }
}

// WithRand replaces crypto/rand as the source for keys and IVs.
func WithRand(r io.Reader) Option {
	return func(s *Session) { s.rand = r }
}

// WithStateHandler installs the observer called once for every state change.
func WithStateHandler(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithHandshakeSender installs the hook Start uses to deliver the local
// public key and IVs to the peer.
func WithHandshakeSender(fn func(Handshake) error) Option {
	return func(s *Session) { s.send = fn }
}

// WithMaxCounterGap limits how far ahead of the tracked value an inbound
// counter may jump. Zero accepts any forward jump.
func WithMaxCounterGap(n uint64) Option {
	return func(s *Session) { s.maxGap = n }
}

func withClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is one end of an encrypted link. It is not safe for concurrent
// use; the run loop owning it is single threaded.
type Session struct {
	role  Role
	state State

	keys *KeyPair
	aead cipher.AEAD
	kcv  string

	// out and in are named from this session's point of view
	out NonceCounter
	in  NonceCounter

	rand    io.Reader
	onState func(State)
	send    func(Handshake) error
	maxGap  uint64

	now     func() time.Time
	started time.Time

	log ncp.Logger
}

// New returns a session in the Undefined state.
func New(opts ...Option) *Session {
	s := &Session{
		rand: rand.Reader,
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = ncp.Component("security").ChildLogger(map[string]interface{}{"role": s.roleName()})
	return s
}

func (s *Session) roleName() string {
	if s.role == Target {
		return "target"
	}
	return "host"
}

// Init puts the session back in Undefined and checks that the random source
// and cipher suite work.
func (s *Session) Init() error {
	s.clearKeys()
	s.state = Undefined

	sample := make([]byte, KeySize)
	if _, err := io.ReadFull(s.rand, sample); err != nil {
		return errors.Wrap(err, "random source unavailable")
	}
	if _, err := newAEAD(sample); err != nil {
		return err
	}
	return nil
}

func (s *Session) State() State { return s.state }

func (s *Session) Role() Role { return s.role }

// KeyCheck returns the fingerprint of the current link key, empty unless
// Encrypted.
func (s *Session) KeyCheck() string { return s.kcv }

// Counters returns copies of the outbound and inbound nonce counters.
func (s *Session) Counters() (out, in NonceCounter) { return s.out, s.in }

// HandshakeExpired reports whether a handshake has been pending for longer
// than timeout. A zero timeout never expires.
func (s *Session) HandshakeExpired(timeout time.Duration) bool {
	return timeout > 0 && s.state == HandshakeInProgress && s.now().Sub(s.started) > timeout
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debugf("state %v -> %v", s.state, st)
	s.state = st
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) clearKeys() {
	s.keys = nil
	s.aead = nil
	s.kcv = ""
}

// Reset drops any key material and returns to Unencrypted.
func (s *Session) Reset() {
	s.clearKeys()
	s.setState(Unencrypted)
}

func (s *Session) fresh() (*KeyPair, [IVSize]byte, [IVSize]byte, error) {
	var toTarget, toHost [IVSize]byte

	keys, err := GenerateKeyPair(s.rand)
	if err != nil {
		return nil, toTarget, toHost, err
	}
	if _, err := io.ReadFull(s.rand, toTarget[:]); err != nil {
		return nil, toTarget, toHost, errors.Wrap(err, "can't generate iv")
	}
	if _, err := io.ReadFull(s.rand, toHost[:]); err != nil {
		return nil, toTarget, toHost, errors.Wrap(err, "can't generate iv")
	}
	return keys, toTarget, toHost, nil
}

func (s *Session) local() Handshake {
	var h Handshake
	copy(h.PublicKey[:], s.keys.PublicBytes())
	return h
}

// Start begins a key exchange from the host side. It is only valid while
// Unencrypted. On success the session is HandshakeInProgress and the
// handshake sender has been given the local key and IVs.
func (s *Session) Start() error {
	if s.role != Host {
		return ErrRole
	}
	if s.state != Unencrypted {
		return errors.Wrapf(ErrState, "start in state %v", s.state)
	}

	s.out.Reset()
	s.in.Reset()

	keys, toTarget, toHost, err := s.fresh()
	if err != nil {
		s.log.Errorf("handshake start failed: %v", err)
		return err
	}
	s.clearKeys()
	s.keys = keys
	s.out.HostIV = toTarget
	s.in.HostIV = toHost

	h := s.local()
	h.IVToTarget = toTarget
	h.IVToHost = toHost

	s.started = s.now()
	s.setState(HandshakeInProgress)

	if s.send != nil {
		if err := s.send(h); err != nil {
			s.log.Errorf("can't send handshake: %v", err)
			s.Reset()
			return errors.Wrap(err, "can't send handshake")
		}
	}
	return nil
}

// HandlePeerResponse completes a host side exchange with the target's
// public key and IVs.
func (s *Session) HandlePeerResponse(peer Handshake) error {
	if s.role != Host {
		return ErrRole
	}
	if s.state != HandshakeInProgress {
		return errors.Wrapf(ErrState, "peer response in state %v", s.state)
	}

	s.out.TargetIV = peer.IVToTarget
	s.in.TargetIV = peer.IVToHost

	if err := s.establish(peer.PublicKey[:]); err != nil {
		s.log.Errorf("handshake failed: %v", err)
		s.Reset()
		return err
	}

	s.setState(Encrypted)
	return nil
}

// Accept answers a host's handshake request on the target side and moves
// straight to Encrypted. It may be called again to re-key.
func (s *Session) Accept(req Handshake) (Handshake, error) {
	if s.role != Target {
		return Handshake{}, ErrRole
	}
	if s.state == Undefined {
		return Handshake{}, errors.Wrapf(ErrState, "accept in state %v", s.state)
	}

	s.out.Reset()
	s.in.Reset()

	keys, toTarget, toHost, err := s.fresh()
	if err != nil {
		s.log.Errorf("handshake accept failed: %v", err)
		s.Reset()
		return Handshake{}, err
	}
	s.clearKeys()
	s.keys = keys

	// inbound is host -> target
	s.in.HostIV = req.IVToTarget
	s.in.TargetIV = toTarget
	s.out.HostIV = req.IVToHost
	s.out.TargetIV = toHost

	s.started = s.now()
	s.setState(HandshakeInProgress)

	if err := s.establish(req.PublicKey[:]); err != nil {
		s.log.Errorf("handshake failed: %v", err)
		s.Reset()
		return Handshake{}, err
	}

	resp := s.local()
	resp.IVToTarget = toTarget
	resp.IVToHost = toHost

	s.setState(Encrypted)
	return resp, nil
}

func (s *Session) establish(peer []byte) error {
	if s.keys == nil {
		return errors.New("no local key pair")
	}

	secret, err := s.keys.SharedSecret(peer)
	if err != nil {
		return err
	}
	key := DeriveKey(secret)

	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	kcv, err := keyCheckValue(key)
	if err != nil {
		return errors.Wrap(err, "can't compute key check value")
	}

	s.aead = aead
	s.kcv = kcv
	s.log.Infof("link key established, kcv %s", kcv)
	return nil
}

// Encrypt seals an outbound link frame. Outside Encrypted the frame is
// returned unchanged (as a copy).
func (s *Session) Encrypt(frame []byte) ([]byte, error) {
	if s.state != Encrypted {
		return append([]byte(nil), frame...), nil
	}
	out, err := seal(s.aead, &s.out, frame)
	if err == ErrExhausted {
		s.expire()
	}
	return out, err
}

// expire drops a key whose counters have run out.
func (s *Session) expire() {
	s.log.Warnf("%v", ErrExhausted)
	s.Reset()
}

// Decrypt opens an inbound link frame. Outside Encrypted the frame is
// returned unchanged (as a copy). A frame that fails the replay check or
// authentication is dropped; neither the counter nor the session state
// changes.
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	if s.state != Encrypted {
		return append([]byte(nil), frame...), nil
	}
	out, err := open(s.aead, &s.in, frame, s.maxGap)
	if err == ErrExhausted {
		s.expire()
		return nil, err
	}
	if err != nil {
		s.log.Debugf("dropping inbound frame: %v", err)
		return nil, err
	}
	return out, nil
}
