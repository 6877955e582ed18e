//go:build linux
// +build linux

package poll

import (
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (int, int) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestAddFull(t *testing.T) {
	s := NewSet(2)
	if err := s.Add(10); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(10); err != ErrExists {
		t.Fatalf("duplicate: %v", err)
	}
	if err := s.Add(11); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(12); errors.Cause(err) != ErrFull {
		t.Fatalf("expected full, got %v", err)
	}

	// removal frees a slot once compacted
	s.Remove(10)
	if s.Len() != 1 || s.Contains(10) {
		t.Fatalf("len %d", s.Len())
	}
	if err := s.Add(12); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveThenAddRevives(t *testing.T) {
	s := NewSet(1)
	s.Add(5)
	s.Remove(5)
	if err := s.Add(5); err != nil {
		t.Fatal(err)
	}
	if !s.Contains(5) || s.Len() != 1 {
		t.Fatal("fd not revived")
	}
}

func TestWaitDispatch(t *testing.T) {
	r1, w1 := pipe(t)
	r2, _ := pipe(t)

	s := NewSet(4)
	s.Add(r1)
	s.Add(r2)

	if n, err := s.Wait(10); err != nil || n != 0 {
		t.Fatalf("idle wait n=%d err=%v", n, err)
	}

	unix.Write(w1, []byte{1})
	n, err := s.Wait(1000)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	var got []int
	s.Dispatch(func(fd int, ev int16) {
		if ev&In == 0 {
			t.Fatalf("events 0x%x", ev)
		}
		got = append(got, fd)
	})
	if len(got) != 1 || got[0] != r1 {
		t.Fatalf("dispatched %v", got)
	}
}

func TestDispatchSkipsRemoved(t *testing.T) {
	r1, w1 := pipe(t)
	r2, w2 := pipe(t)

	s := NewSet(4)
	s.Add(r1)
	s.Add(r2)
	unix.Write(w1, []byte{1})
	unix.Write(w2, []byte{1})

	if n, _ := s.Wait(1000); n != 2 {
		t.Fatalf("ready %d", n)
	}

	var got []int
	s.Dispatch(func(fd int, _ int16) {
		got = append(got, fd)
		// the callback for r1 drops r2 before it is seen
		if fd == r1 {
			s.Remove(r2)
		}
	})
	if len(got) != 1 || got[0] != r1 {
		t.Fatalf("dispatched %v", got)
	}

	s.Wait(10)
	if s.Contains(r2) || len(s.fds) != 1 {
		t.Fatal("removed fd not compacted")
	}
}

func TestHangup(t *testing.T) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(p[0])
	r := p[0]

	s := NewSet(1)
	s.Add(r)
	unix.Close(p[1])

	s.Wait(1000)
	var ev int16
	s.Dispatch(func(_ int, e int16) { ev = e })
	if ev&Errors == 0 {
		t.Fatalf("events 0x%x", ev)
	}
}

func TestAddDuringDispatchOnFullSet(t *testing.T) {
	var r, w [4]int
	for i := range r {
		r[i], w[i] = pipe(t)
	}

	s := NewSet(3)
	for _, fd := range r[:3] {
		if err := s.Add(fd); err != nil {
			t.Fatal(err)
		}
	}
	for _, fd := range w {
		unix.Write(fd, []byte{1})
	}
	if n, _ := s.Wait(1000); n != 3 {
		t.Fatalf("ready %d", n)
	}

	var got []int
	s.Dispatch(func(fd int, _ int16) {
		got = append(got, fd)
		if fd == r[0] {
			s.Remove(r[1])
			if err := s.Add(r[3]); err != nil {
				t.Fatalf("add after remove: %v", err)
			}
		}
	})
	if len(got) != 2 || got[0] != r[0] || got[1] != r[2] {
		t.Fatalf("dispatched %v, want [%d %d]", got, r[0], r[2])
	}

	// the new fd is polled from the next cycle on
	if n, _ := s.Wait(1000); n != 3 {
		t.Fatalf("ready %d", n)
	}
	got = got[:0]
	s.Dispatch(func(fd int, _ int16) { got = append(got, fd) })
	if len(got) != 3 || got[2] != r[3] {
		t.Fatalf("dispatched %v", got)
	}
	if len(s.fds) != 3 {
		t.Fatalf("%d entries after compaction", len(s.fds))
	}
}

func TestAddBoundCountsLiveEntries(t *testing.T) {
	s := NewSet(2)
	s.Add(10)
	s.Add(11)
	s.Remove(10)
	s.Remove(11)
	if err := s.Add(12); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(13); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(14); errors.Cause(err) != ErrFull {
		t.Fatalf("expected full, got %v", err)
	}
}
