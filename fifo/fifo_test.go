package fifo

import (
	"bytes"
	"math/rand"
	"testing"
)

func checkInvariant(t *testing.T, f *Fifo) {
	t.Helper()
	if f.Len()+f.Space() != f.Cap() {
		t.Fatalf("len %d + space %d != cap %d", f.Len(), f.Space(), f.Cap())
	}
	if f.Reserved() > f.Space() {
		t.Fatalf("reserved %d exceeds space %d", f.Reserved(), f.Space())
	}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := New(0); err != ErrCapacity {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func TestWriteReadWrap(t *testing.T) {
	f, _ := New(8)

	if n := f.Write([]byte{1, 2, 3, 4, 5, 6}); n != 6 {
		t.Fatalf("wrote %d", n)
	}
	out := make([]byte, 4)
	if n := f.Read(out); n != 4 || !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Fatalf("read %d %v", n, out)
	}

	// wraps around the end of the array
	if n := f.Write([]byte{7, 8, 9, 10, 11, 12, 13}); n != 6 {
		t.Fatalf("expected partial write of 6, got %d", n)
	}
	if !f.Full() {
		t.Fatal("fifo should be full")
	}
	checkInvariant(t, f)

	out = make([]byte, 16)
	n := f.Read(out)
	if n != 8 || !bytes.Equal(out[:n], []byte{5, 6, 7, 8, 9, 10, 11, 12}) {
		t.Fatalf("read %d %v", n, out[:n])
	}
	if f.Full() || f.Len() != 0 {
		t.Fatal("fifo should be empty")
	}
}

func TestSkip(t *testing.T) {
	f, _ := New(4)
	f.Write([]byte{1, 2, 3})
	if n := f.Skip(2); n != 2 {
		t.Fatalf("skipped %d", n)
	}
	if n := f.Skip(5); n != 1 {
		t.Fatalf("skipped %d", n)
	}
	checkInvariant(t, f)
}

func TestRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	f, _ := New(37)

	var in, out []byte
	var next byte
	for i := 0; i < 2000; i++ {
		if r.Intn(2) == 0 {
			chunk := make([]byte, r.Intn(20))
			for j := range chunk {
				chunk[j] = next
				next++
			}
			n := f.Write(chunk)
			in = append(in, chunk[:n]...)
			next -= byte(len(chunk) - n)
		} else {
			buf := make([]byte, r.Intn(20))
			n := f.Read(buf)
			out = append(out, buf[:n]...)
		}
		checkInvariant(t, f)
	}
	rest := make([]byte, f.Len())
	f.Read(rest)
	out = append(out, rest...)

	if !bytes.Equal(in, out) {
		t.Fatal("bytes read back differ from bytes written")
	}
}

func TestReserveStopsAtWrap(t *testing.T) {
	f, _ := New(8)
	f.Write([]byte{0, 0, 0, 0, 0, 0})
	f.Skip(5)
	// head=5, tail=6, 7 bytes free: 2 before the wrap, 5 after

	w := f.Reserve(7)
	if len(w) != 2 {
		t.Fatalf("first window %d, want 2", len(w))
	}
	copy(w, []byte{1, 2})
	w = f.Reserve(7)
	if len(w) != 5 {
		t.Fatalf("second window %d, want 5", len(w))
	}
	copy(w, []byte{3, 4, 5, 6, 7})
	if !f.DMAFull() {
		t.Fatal("window should cover the free region")
	}
	if w := f.Reserve(1); w != nil {
		t.Fatal("reserve past head must fail")
	}
	checkInvariant(t, f)

	if err := f.SetTail(5); err != nil {
		t.Fatal(err)
	}
	if !f.Full() {
		t.Fatal("tail meeting head must mark the fifo full")
	}

	out := make([]byte, 8)
	f.Read(out)
	if !bytes.Equal(out, []byte{0, 1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("got %v", out)
	}
}

func TestCommitPartial(t *testing.T) {
	f, _ := New(8)
	w := f.Reserve(6)
	copy(w, []byte{9, 8, 7})
	if n := f.Commit(3); n != 3 {
		t.Fatalf("commit %d", n)
	}
	if f.Len() != 3 || f.Reserved() != 3 {
		t.Fatalf("len %d reserved %d", f.Len(), f.Reserved())
	}
	if n := f.Write([]byte{1}); n != 0 {
		t.Fatal("write must be refused while a window is open")
	}
	f.Release()
	if n := f.Write([]byte{1}); n != 1 {
		t.Fatal("write after release")
	}
	checkInvariant(t, f)

	out := make([]byte, 4)
	f.Read(out)
	if !bytes.Equal(out, []byte{9, 8, 7, 1}) {
		t.Fatalf("got %v", out)
	}
}

func TestSetTailOutsideWindow(t *testing.T) {
	f, _ := New(8)
	f.Reserve(2)
	if err := f.SetTail(3); err != ErrBadTail {
		t.Fatalf("expected ErrBadTail, got %v", err)
	}
	if err := f.SetTail(9); err != ErrBadTail {
		t.Fatalf("expected ErrBadTail, got %v", err)
	}
	if err := f.SetTail(2); err != nil {
		t.Fatal(err)
	}
	if f.Len() != 2 {
		t.Fatalf("len %d", f.Len())
	}
}

func TestSetTailAtCapacity(t *testing.T) {
	f, _ := New(4)
	f.Write([]byte{1, 2})
	f.Skip(2)
	// head = tail = 2
	f.Reserve(4)
	if err := f.SetTail(4); err != nil {
		t.Fatal(err)
	}
	if f.Len() != 2 || f.Tail() != 0 {
		t.Fatalf("len %d tail %d", f.Len(), f.Tail())
	}
}
