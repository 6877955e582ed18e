//go:build linux
// +build linux

// Package poll wraps poll(2) for the daemon run loop.
package poll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	In     = int16(unix.POLLIN)
	Errors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
)

var (
	ErrFull   = errors.New("poll: set is full")
	ErrExists = errors.New("poll: fd already registered")
)

// Set is a bounded set of descriptors polled for input. Removal is lazy: a
// removed entry is skipped by Dispatch and compacted out by the next Wait.
// The bound applies to live entries only.
type Set struct {
	max     int
	fds     []unix.PollFd
	removed map[int32]bool
	ready   int
}

func NewSet(max int) *Set {
	return &Set{
		max:     max,
		fds:     make([]unix.PollFd, 0, max),
		removed: make(map[int32]bool),
	}
}

// Len counts live entries.
func (s *Set) Len() int { return len(s.fds) - len(s.removed) }

func (s *Set) Contains(fd int) bool {
	for _, p := range s.fds {
		if p.Fd == int32(fd) {
			return !s.removed[p.Fd]
		}
	}
	return false
}

// Add registers fd for input. A descriptor removed earlier in the same cycle
// is revived in place.
func (s *Set) Add(fd int) error {
	for i, p := range s.fds {
		if p.Fd != int32(fd) {
			continue
		}
		if s.removed[p.Fd] {
			// a reused fd number must not inherit the old events
			delete(s.removed, p.Fd)
			s.fds[i].Revents = 0
			return nil
		}
		return ErrExists
	}

	// removed entries stay in place until Wait so a running Dispatch never
	// sees the slice shift under it
	if s.Len() >= s.max {
		return errors.Wrapf(ErrFull, "can't add fd %d, max %d", fd, s.max)
	}
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: In})
	return nil
}

// Remove marks fd for removal. It is safe to call from a Dispatch callback.
func (s *Set) Remove(fd int) {
	for _, p := range s.fds {
		if p.Fd == int32(fd) {
			s.removed[p.Fd] = true
			return
		}
	}
}

func (s *Set) compact() {
	if len(s.removed) == 0 {
		return
	}
	live := s.fds[:0]
	for _, p := range s.fds {
		if !s.removed[p.Fd] {
			live = append(live, p)
		}
	}
	s.fds = live
	s.removed = make(map[int32]bool)
}

// Wait blocks until a descriptor is ready or timeout expires. Zero waits
// forever. It returns the number of ready descriptors.
func (s *Set) Wait(timeoutMs int) (int, error) {
	s.compact()
	for i := range s.fds {
		s.fds[i].Revents = 0
	}

	if timeoutMs == 0 {
		timeoutMs = -1
	}
	for {
		n, err := unix.Poll(s.fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.ready = 0
			return 0, errors.Wrap(err, "poll failed")
		}
		s.ready = n
		return n, nil
	}
}

// Dispatch calls fn for each descriptor with pending events from the last
// Wait, skipping any removed since.
func (s *Set) Dispatch(fn func(fd int, revents int16)) {
	if s.ready == 0 {
		return
	}
	// fn may Add; only walk what Wait saw
	n := len(s.fds)
	for i := 0; i < n; i++ {
		p := s.fds[i]
		if p.Revents == 0 || s.removed[p.Fd] {
			continue
		}
		fn(int(p.Fd), p.Revents)
	}
	s.ready = 0
}
