package ncp

import (
	"time"
)

// DaemonOption is implemented by the run loop to accept configuration options.
type DaemonOption interface {
	SetHandshakeTimeout(time.Duration) error
	SetMaxCounterGap(uint64) error
	SetPollSize(int) error
	SetFraming(string) error
	SetMetrics(Metrics) error
	SetErrorHandler(handler func(error)) error
}

// Metrics receives run loop events. State values follow security.State.
type Metrics interface {
	IncFrames(channel, dir string)
	IncDecryptFailure(err error)
	RecordHandshake(result string)
	SetSessionState(state int)
	SetClient(channel string, connected bool)
}

// An Option is a configuration function, which configures the daemon.
type Option func(DaemonOption) error

// OptHandshakeTimeout resets a key exchange that has not completed in d.
// Zero waits forever.
func OptHandshakeTimeout(d time.Duration) Option {
	return func(opt DaemonOption) error {
		return opt.SetHandshakeTimeout(d)
	}
}

// OptMaxCounterGap bounds how far an inbound counter may jump ahead.
func OptMaxCounterGap(n uint64) Option {
	return func(opt DaemonOption) error {
		return opt.SetMaxCounterGap(n)
	}
}

// OptPollSize sets the number of descriptors the run loop can watch.
func OptPollSize(n int) Option {
	return func(opt DaemonOption) error {
		return opt.SetPollSize(n)
	}
}

// OptFraming selects how frames from the co-processor are delimited: "link"
// for the NCP link (default) or "hci" for plain H4 command and ACL packets.
// HCI framing carries no encrypted frames, so the encrypted socket refuses
// clients.
func OptFraming(name string) Option {
	return func(opt DaemonOption) error {
		return opt.SetFraming(name)
	}
}

// OptMetrics sets the metrics sink
func OptMetrics(m Metrics) Option {
	return func(opt DaemonOption) error {
		return opt.SetMetrics(m)
	}
}

// OptErrorHandler sets error handler
func OptErrorHandler(handler func(error)) Option {
	return func(opt DaemonOption) error {
		return opt.SetErrorHandler(handler)
	}
}
