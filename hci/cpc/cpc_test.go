//go:build linux
// +build linux

package cpc

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ncp/hci"
	"github.com/rigado/ncp/linux/socket"
	"golang.org/x/sys/unix"
)

func pair(t *testing.T) (*Endpoint, *socket.Conn) {
	a, b, err := socket.Pair(unix.SOCK_SEQPACKET)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return New(a), b
}

func TestChunksReassemble(t *testing.T) {
	e, dev := pair(t)

	frame := append([]byte{0x05, 0x30}, make([]byte, 0x30)...)
	for i := range frame[2:] {
		frame[2+i] = byte(i)
	}
	dev.Write(frame[:10])
	dev.Write(frame[10:40])
	dev.Write(frame[40:])

	var pieces int
	var got []byte
	done := false
	r, err := hci.NewReassembler(hci.LinkFormat, hci.Message, hci.MaxLinkFrame, func(b []byte, last bool) {
		pieces++
		got = append(got, b...)
		done = last
	}, hci.WithChunkSize(MaxChunk))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Pump(e); err != nil {
		t.Fatal(err)
	}
	if !done || !bytes.Equal(got, frame) {
		t.Fatalf("done %v got % x", done, got)
	}
	if pieces != 3 {
		t.Fatalf("pieces %d", pieces)
	}
}

func TestShortBuffer(t *testing.T) {
	e, dev := pair(t)
	dev.Write(make([]byte, 32))
	dev.Write([]byte{7})

	if _, err := e.Read(make([]byte, 8)); errors.Cause(err) != ErrShortBuffer {
		t.Fatalf("expected short buffer, got %v", err)
	}
	// the oversized chunk is gone, the next one is intact
	if n := e.Buffered(); n != 1 {
		t.Fatalf("buffered %d", n)
	}
}

func TestBurstLargerThanChunk(t *testing.T) {
	e, dev := pair(t)

	const frames = 20
	for i := 0; i < frames; i++ {
		f := make([]byte, hci.MaxLinkFrame)
		f[0], f[1] = 0x05, 0xff
		f[2] = byte(i)
		if _, err := dev.Write(f); err != nil {
			t.Fatal(err)
		}
	}
	// more than one chunk's worth is queued, but each message fits
	if n := e.Buffered(); n != hci.MaxLinkFrame {
		t.Fatalf("next chunk %d bytes", n)
	}

	var got [][]byte
	r, _ := hci.NewReassembler(hci.LinkFormat, hci.Message, hci.MaxLinkFrame, func(b []byte, last bool) {
		if last {
			got = append(got, b)
		}
	}, hci.WithChunkSize(MaxChunk))

	if err := r.Pump(e); err != nil {
		t.Fatal(err)
	}
	if len(got) != frames {
		t.Fatalf("%d frames", len(got))
	}
	for i, f := range got {
		if len(f) != hci.MaxLinkFrame || f[2] != byte(i) {
			t.Fatalf("frame %d: len %d first byte %d", i, len(f), f[2])
		}
	}
}

func TestEmptyChunkSkipped(t *testing.T) {
	e, dev := pair(t)
	dev.Write(nil)
	dev.Write([]byte{0x05, 0x00})

	var got []byte
	r, _ := hci.NewReassembler(hci.LinkFormat, hci.Message, hci.MaxLinkFrame, func(b []byte, last bool) {
		got = append(got, b...)
	}, hci.WithChunkSize(MaxChunk))
	if err := r.Pump(e); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("got % x", got)
	}
}

func TestOversizedChunkResetsFrame(t *testing.T) {
	e, dev := pair(t)
	dev.Write([]byte{0x05, 0x10, 1, 2})
	dev.Write(make([]byte, MaxChunk+1))
	dev.Write([]byte{0x06, 0x01, 9})

	var failures int
	var frames [][]byte
	r, _ := hci.NewReassembler(hci.LinkFormat, hci.Message, hci.MaxLinkFrame, func(b []byte, last bool) {
		switch {
		case len(b) == 0:
			failures++
		case last:
			frames = append(frames, b)
		}
	}, hci.WithChunkSize(MaxChunk))

	if err := r.Pump(e); err != nil {
		t.Fatal(err)
	}
	if failures != 1 {
		t.Fatalf("failures %d", failures)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x06, 0x01, 9}) {
		t.Fatalf("frames % x", frames)
	}
}

func TestWriteIsOneChunk(t *testing.T) {
	e, dev := pair(t)

	e.Write([]byte{1, 2, 3})
	e.Write([]byte{4})

	b := make([]byte, 16)
	n, _, _ := dev.ReadMessage(b)
	if n != 3 {
		t.Fatalf("chunk %d bytes", n)
	}
	if n, _, _ = dev.ReadMessage(b); n != 1 {
		t.Fatalf("chunk %d bytes", n)
	}

	if _, err := e.Write(make([]byte, MaxChunk+1)); err == nil {
		t.Fatal("oversized chunk accepted")
	}

	dev.Close()
	if n := e.Buffered(); n != 0 {
		t.Fatalf("buffered %d after hangup", n)
	}
}
