package security

import (
	"bytes"
	"crypto"
	"crypto/elliptic"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"github.com/wsddn/go-ecdh"
)

const (
	PublicKeySize = 64
	KeySize       = 16

	secretSize = 32
)

var (
	ErrBadPublicKey = errors.New("security: invalid peer public key")
	ErrSameKey      = errors.New("security: remote public key cannot match local public key")
)

// KeyPair is an ephemeral P-256 key pair.
type KeyPair struct {
	public  crypto.PublicKey
	private crypto.PrivateKey
}

func curve() ecdh.ECDH {
	return ecdh.NewEllipticECDH(elliptic.P256())
}

func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	var err error
	kp := KeyPair{}

	kp.private, kp.public, err = curve().GenerateKey(r)
	if err != nil {
		return nil, errors.Wrap(err, "can't generate key pair")
	}

	return &kp, nil
}

// PublicBytes returns the uncompressed point without its 0x04 prefix, X||Y
// big endian.
func (k *KeyPair) PublicBytes() []byte {
	ba := curve().Marshal(k.public)
	return ba[1:]
}

func ParsePublicKey(b []byte) (crypto.PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, ErrBadPublicKey
	}

	r := append([]byte{0x04}, b...)
	pk, ok := curve().Unmarshal(r)
	if !ok {
		return nil, ErrBadPublicKey
	}
	return pk, nil
}

// SharedSecret runs ECDH against the peer's X||Y public key and returns the
// 32 byte X coordinate of the shared point.
func (k *KeyPair) SharedSecret(peer []byte) ([]byte, error) {
	if bytes.Equal(peer, k.PublicBytes()) {
		return nil, ErrSameKey
	}

	pub, err := ParsePublicKey(peer)
	if err != nil {
		return nil, err
	}

	s, err := curve().GenerateSharedSecret(k.private, pub)
	if err != nil {
		return nil, errors.Wrap(err, "can't derive shared secret")
	}
	if len(s) > secretSize {
		return nil, errors.Errorf("shared secret too long: %d", len(s))
	}

	// big.Int drops leading zeros
	out := make([]byte, secretSize)
	copy(out[secretSize-len(s):], s)

	if bytes.Equal(out, make([]byte, secretSize)) {
		return nil, errors.New("shared secret is zero")
	}
	return out, nil
}

// DeriveKey turns an ECDH secret into the AES-128 link key.
func DeriveKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:KeySize]
}
