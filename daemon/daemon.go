//go:build linux
// +build linux

// Package daemon is the NCP host run loop. It bridges one serial transport
// to two local sockets: frames from the encrypted socket are sealed by the
// security session before they reach the co-processor, frames from the
// plaintext socket pass through untouched.
package daemon

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/ncp"
	"github.com/rigado/ncp/hci"
	"github.com/rigado/ncp/linux/poll"
	"github.com/rigado/ncp/linux/socket"
	"github.com/rigado/ncp/metrics"
	"github.com/rigado/ncp/security"
	"golang.org/x/sys/unix"
)

const (
	defaultPollSize = 8
	defaultTick     = 100 * time.Millisecond
)

// Serial is the co-processor link as the run loop sees it. Fd must become
// readable whenever Buffered would return non-zero.
type Serial interface {
	hci.Transport
	Fd() int
	Close() error
}

type Daemon struct {
	serial  Serial
	session *security.Session

	poll     *poll.Set
	pollSize int
	tick     time.Duration

	encL   *socket.Listener
	plainL *socket.Listener

	enc     *socket.Conn
	encHeld bool
	plain   *socket.Conn

	framing  hci.Format
	serialRx *hci.Reassembler
	encRx    *hci.Reassembler
	pending  []byte
	plainBuf []byte

	handshakeTimeout time.Duration
	maxCounterGap    uint64

	metrics      ncp.Metrics
	errorHandler func(error)
	fatal        error

	log ncp.Logger
}

// New sets up the security session, both listening sockets and the poll
// set. It fails if the session's crypto self test fails.
func New(serial Serial, encPath, plainPath string, opts ...ncp.Option) (*Daemon, error) {
	d := &Daemon{
		serial:   serial,
		framing:  hci.LinkFormat,
		pollSize: defaultPollSize,
		tick:     defaultTick,
		metrics:  nopMetrics{},
		plainBuf: make([]byte, hci.MaxLinkFrame),
		log:      ncp.Component("daemon"),
	}
	for _, o := range opts {
		if err := o(d); err != nil {
			return nil, err
		}
	}

	d.session = security.New(
		security.WithRole(security.Host),
		security.WithStateHandler(d.onState),
		security.WithHandshakeSender(d.sendHandshake),
		security.WithMaxCounterGap(d.maxCounterGap),
	)
	if err := d.session.Init(); err != nil {
		return nil, errors.Wrap(err, "security init failed")
	}
	d.session.Reset()

	if err := d.setupReassemblers(); err != nil {
		return nil, err
	}

	var err error
	if d.encL, err = socket.Listen(encPath, unix.SOCK_STREAM); err != nil {
		return nil, err
	}
	if d.plainL, err = socket.Listen(plainPath, unix.SOCK_STREAM); err != nil {
		d.encL.Close()
		return nil, err
	}

	d.poll = poll.NewSet(d.pollSize)
	for _, fd := range []int{serial.Fd(), d.encL.Fd(), d.plainL.Fd()} {
		if err := d.poll.Add(fd); err != nil {
			d.encL.Close()
			d.plainL.Close()
			return nil, err
		}
	}

	d.log.Infof("serving %s (encrypted) and %s (plaintext)", encPath, plainPath)
	return d, nil
}

func (d *Daemon) setupReassemblers() error {
	var opts []hci.Option
	chunking := hci.Stream
	if c, ok := d.serial.(interface{ ChunkSize() int }); ok {
		chunking = hci.Message
		opts = append(opts, hci.WithChunkSize(c.ChunkSize()))
	}
	if s, ok := d.serial.(interface{ SleepHint(bool) }); ok {
		opts = append(opts, hci.WithSleepHint(s.SleepHint))
	}

	var err error
	d.serialRx, err = hci.NewReassembler(d.framing, chunking, hci.MaxLinkFrame, d.onSerialFrame, opts...)
	if err != nil {
		return err
	}
	d.encRx, err = hci.NewReassembler(hci.LinkFormat, hci.Stream, hci.MaxLinkFrame, d.onClientFrame)
	return err
}

// Session exposes the security session, mainly for status reporting.
func (d *Daemon) Session() *security.Session { return d.session }

func (d *Daemon) SetHandshakeTimeout(t time.Duration) error {
	if t < 0 {
		return errors.New("negative handshake timeout")
	}
	d.handshakeTimeout = t
	return nil
}

func (d *Daemon) SetMaxCounterGap(n uint64) error {
	d.maxCounterGap = n
	return nil
}

func (d *Daemon) SetPollSize(n int) error {
	if n < 5 {
		return errors.Errorf("poll size %d too small", n)
	}
	d.pollSize = n
	return nil
}

func (d *Daemon) SetFraming(name string) error {
	f, err := hci.FormatByName(name)
	if err != nil {
		return err
	}
	d.framing = f
	return nil
}

// linkFraming reports whether the co-processor speaks the NCP link format,
// the only one that carries handshakes and encrypted frames.
func (d *Daemon) linkFraming() bool { return d.framing == hci.LinkFormat }

func (d *Daemon) SetMetrics(m ncp.Metrics) error {
	if m == nil {
		m = nopMetrics{}
	}
	d.metrics = m
	return nil
}

func (d *Daemon) SetErrorHandler(handler func(error)) error {
	d.errorHandler = handler
	return nil
}

// Run serves until ctx is cancelled or the serial link fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.metrics.SetSessionState(int(d.session.State()))

	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := d.poll.Wait(int(d.tick / time.Millisecond)); err != nil {
			return err
		}
		d.poll.Dispatch(d.dispatch)

		if d.fatal != nil {
			return d.fatal
		}
		d.checkHandshake()
	}
}

// Close drops both clients, unlinks both sockets and closes the serial link.
func (d *Daemon) Close() error {
	d.closeEnc()
	d.closePlain()
	d.encL.Close()
	d.plainL.Close()
	return d.serial.Close()
}

func (d *Daemon) dispatch(fd int, ev int16) {
	switch {
	case fd == d.serial.Fd():
		d.serviceSerial(ev)
	case fd == d.encL.Fd():
		d.acceptEnc()
	case fd == d.plainL.Fd():
		d.acceptPlain()
	case d.enc != nil && fd == d.enc.Fd():
		d.serviceEnc()
	case d.plain != nil && fd == d.plain.Fd():
		d.servicePlain()
	default:
		d.log.Warnf("event 0x%x on unknown fd %d", ev, fd)
		d.poll.Remove(fd)
	}
}

func (d *Daemon) reportError(err error) {
	d.log.Errorf("%v", err)
	if d.errorHandler != nil {
		d.errorHandler(err)
	}
}

func (d *Daemon) serviceSerial(ev int16) {
	if d.serial.Buffered() == 0 && ev&poll.Errors != 0 {
		d.fatal = errors.Wrap(io.EOF, "serial link closed")
		return
	}
	if err := d.serialRx.Pump(d.serial); err != nil {
		d.fatal = errors.Wrap(err, "serial link failed")
	}
}

func (d *Daemon) writeSerial(frame []byte) {
	if _, err := d.serial.Write(frame); err != nil {
		d.fatal = errors.Wrap(err, "serial link failed")
		return
	}
	d.metrics.IncFrames(metrics.ChannelSerial, metrics.DirTx)
}

// onSerialFrame routes one frame from the co-processor. Message transports
// may hand over a frame in pieces.
func (d *Daemon) onSerialFrame(piece []byte, last bool) {
	if !last {
		d.pending = append(d.pending, piece...)
		return
	}
	if len(piece) == 0 {
		// the partial frame collected so far is unusable
		d.log.Warnf("serial reception failure")
		d.pending = nil
		return
	}
	frame := piece
	if len(d.pending) > 0 {
		frame = append(d.pending, piece...)
		d.pending = nil
	}
	d.metrics.IncFrames(metrics.ChannelSerial, metrics.DirRx)

	switch {
	case !d.linkFraming():
		d.forwardPlain(frame)

	case security.IsHandshake(frame):
		d.onHandshake(frame)

	case frame[0]&security.EncryptedFlag != 0:
		pt, err := d.session.Decrypt(frame)
		if err != nil {
			d.metrics.IncDecryptFailure(err)
			return
		}
		if d.enc == nil || d.encHeld {
			d.log.Debugf("no encrypted client, dropping %d bytes", len(pt))
			return
		}
		d.writeClient(d.enc, pt, metrics.ChannelEncrypted)

	default:
		d.forwardPlain(frame)
	}
}

func (d *Daemon) forwardPlain(frame []byte) {
	if d.plain == nil {
		d.log.Debugf("no plaintext client, dropping %d bytes", len(frame))
		return
	}
	d.writeClient(d.plain, frame, metrics.ChannelPlaintext)
}

func (d *Daemon) writeClient(c *socket.Conn, frame []byte, channel string) {
	if _, err := c.Write(frame); err != nil {
		d.reportError(errors.Wrapf(err, "%s client", channel))
		if c == d.enc {
			d.closeEnc()
		} else {
			d.closePlain()
		}
		return
	}
	d.metrics.IncFrames(channel, metrics.DirTx)
}

func (d *Daemon) onHandshake(frame []byte) {
	op, h, err := security.ParseHandshake(frame)
	if err != nil {
		d.log.Warnf("%v", err)
		return
	}

	switch op {
	case security.OpResponse:
		if err := d.session.HandlePeerResponse(h); err != nil {
			d.metrics.RecordHandshake(metrics.HandshakeFailed)
			d.closeEnc()
			return
		}
		d.metrics.RecordHandshake(metrics.HandshakeOK)

	case security.OpFailure:
		d.log.Warnf("target rejected the key exchange")
		d.metrics.RecordHandshake(metrics.HandshakeFailed)
		d.session.Reset()
		d.closeEnc()

	default:
		d.log.Warnf("unexpected handshake op 0x%02x from target", op)
	}
}

func (d *Daemon) sendHandshake(h security.Handshake) error {
	_, err := d.serial.Write(h.MarshalRequest())
	if err != nil {
		d.fatal = errors.Wrap(err, "serial link failed")
		return err
	}
	d.metrics.IncFrames(metrics.ChannelSerial, metrics.DirTx)
	return nil
}

func (d *Daemon) startHandshake() {
	if err := d.session.Start(); err != nil {
		d.metrics.RecordHandshake(metrics.HandshakeFailed)
		d.closeEnc()
		return
	}
	d.metrics.RecordHandshake(metrics.HandshakeStarted)
}

func (d *Daemon) checkHandshake() {
	if !d.session.HandshakeExpired(d.handshakeTimeout) {
		return
	}
	d.log.Warnf("key exchange timed out after %v", d.handshakeTimeout)
	d.metrics.RecordHandshake(metrics.HandshakeTimeout)
	d.session.Reset()
	if d.enc != nil {
		d.startHandshake()
	}
}

// onState keeps the encrypted client in step with the session.
func (d *Daemon) onState(s security.State) {
	d.metrics.SetSessionState(int(s))

	switch s {
	case security.Encrypted:
		if d.enc != nil && d.encHeld {
			if err := d.poll.Add(d.enc.Fd()); err != nil {
				d.reportError(err)
				d.closeEnc()
				return
			}
			d.encHeld = false
			d.log.Infof("encrypted client released")
		}
	case security.Unencrypted:
		if d.enc != nil && !d.encHeld {
			d.log.Infof("session dropped, closing encrypted client")
			d.closeEnc()
		}
	}
}

func (d *Daemon) acceptEnc() {
	c, err := d.encL.Accept()
	if err != nil {
		d.reportError(err)
		return
	}
	if !d.linkFraming() {
		d.log.Warnf("hci framing has no encrypted channel, refusing client")
		c.Close()
		return
	}
	if d.enc != nil {
		d.log.Infof("new encrypted client replaces the old one")
		d.closeEnc()
	}

	d.enc = c
	d.encRx.Reset()
	d.metrics.SetClient(metrics.ChannelEncrypted, true)

	switch d.session.State() {
	case security.Encrypted:
		if err := d.poll.Add(c.Fd()); err != nil {
			d.reportError(err)
			d.closeEnc()
		}
	case security.Unencrypted:
		d.encHeld = true
		d.startHandshake()
	default:
		d.encHeld = true
	}
}

func (d *Daemon) acceptPlain() {
	c, err := d.plainL.Accept()
	if err != nil {
		d.reportError(err)
		return
	}
	if d.plain != nil {
		d.log.Infof("new plaintext client replaces the old one")
		d.closePlain()
	}
	if err := d.poll.Add(c.Fd()); err != nil {
		d.reportError(err)
		c.Close()
		return
	}
	d.plain = c
	d.metrics.SetClient(metrics.ChannelPlaintext, true)
}

func (d *Daemon) closeEnc() {
	if d.enc == nil {
		return
	}
	d.poll.Remove(d.enc.Fd())
	d.enc.Close()
	d.enc = nil
	d.encHeld = false
	d.encRx.Reset()
	d.metrics.SetClient(metrics.ChannelEncrypted, false)
}

func (d *Daemon) closePlain() {
	if d.plain == nil {
		return
	}
	d.poll.Remove(d.plain.Fd())
	d.plain.Close()
	d.plain = nil
	d.metrics.SetClient(metrics.ChannelPlaintext, false)
}

func (d *Daemon) serviceEnc() {
	if d.enc.Buffered() == 0 {
		d.log.Infof("encrypted client left")
		d.closeEnc()
		return
	}
	if err := d.encRx.Pump(d.enc); err != nil {
		d.reportError(err)
		d.closeEnc()
	}
}

// onClientFrame seals one frame from the encrypted client.
func (d *Daemon) onClientFrame(frame []byte, last bool) {
	if len(frame) == 0 {
		return
	}
	d.metrics.IncFrames(metrics.ChannelEncrypted, metrics.DirRx)

	if d.session.State() != security.Encrypted {
		d.log.Warnf("session not encrypted, dropping client frame")
		return
	}
	sealed, err := d.session.Encrypt(frame)
	if err != nil {
		d.reportError(errors.Wrap(err, "can't encrypt client frame"))
		return
	}
	d.writeSerial(sealed)
}

func (d *Daemon) servicePlain() {
	n := d.plain.Buffered()
	if n == 0 {
		d.log.Infof("plaintext client left")
		d.closePlain()
		return
	}
	if n > len(d.plainBuf) {
		n = len(d.plainBuf)
	}

	n, err := d.plain.Read(d.plainBuf[:n])
	if err != nil {
		d.reportError(err)
		d.closePlain()
		return
	}
	d.metrics.IncFrames(metrics.ChannelPlaintext, metrics.DirRx)
	d.writeSerial(d.plainBuf[:n])
}

type nopMetrics struct{}

func (nopMetrics) IncFrames(string, string) {}
func (nopMetrics) IncDecryptFailure(error)  {}
func (nopMetrics) RecordHandshake(string)   {}
func (nopMetrics) SetSessionState(int)      {}
func (nopMetrics) SetClient(string, bool)   {}
