package security

import (
	"testing"

	"github.com/pkg/errors"
)

func TestHandshakeMessages(t *testing.T) {
	var h Handshake
	for i := range h.PublicKey {
		h.PublicKey[i] = byte(i)
	}
	h.IVToTarget = [4]byte{0xa, 0xb, 0xc, 0xd}
	h.IVToHost = [4]byte{1, 2, 3, 4}

	req := h.MarshalRequest()
	if len(req) != HeaderSize+handshakeBody || req[0] != HandshakeType || req[2] != OpRequest {
		t.Fatalf("request % x", req[:3])
	}
	if !IsHandshake(req) {
		t.Fatal("request not recognized")
	}

	op, got, err := ParseHandshake(req)
	if err != nil || op != OpRequest || got != h {
		t.Fatalf("op %d err %v", op, err)
	}

	op, got, err = ParseHandshake(h.MarshalResponse())
	if err != nil || op != OpResponse || got != h {
		t.Fatalf("op %d err %v", op, err)
	}

	op, _, err = ParseHandshake(MarshalFailure())
	if err != nil || op != OpFailure {
		t.Fatalf("op %d err %v", op, err)
	}
}

func TestHandshakeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"wrong type", []byte{0x01, 0x01, OpRequest}},
		{"empty body", []byte{HandshakeType, 0x00}},
		{"unknown op", []byte{HandshakeType, 0x01, 0x09}},
		{"short request", []byte{HandshakeType, 0x02, OpRequest, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseHandshake(tt.frame); errors.Cause(err) != ErrBadHandshake {
				t.Fatalf("got %v", err)
			}
		})
	}

	if IsHandshake([]byte{0x41, 0x00}) {
		t.Fatal("data frame taken for a handshake")
	}
}
