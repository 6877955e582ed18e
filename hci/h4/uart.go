//go:build linux
// +build linux

// Package h4 is the UART transport. A receive goroutine plays the DMA
// engine: it reserves a window in a fifo, fills it from the serial port and
// moves the committed tail, all inside the fifo's atomic section. The run
// loop polls Fd and drains the fifo through Read.
package h4

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/ncp"
	"github.com/rigado/ncp/fifo"
	"golang.org/x/sys/unix"
)

const DefaultFifoSize = 4096

// DefaultSerialOptions returns 8N1 settings with hardware flow control. Reads
// return after 100ms of line silence so the receive goroutine can notice
// Close.
func DefaultSerialOptions(port string, baud uint) serial.OpenOptions {
	return serial.OpenOptions{
		PortName:              port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
		RTSCTSFlowControl:     true,
	}
}

// UART is a hci.Transport over a serial port.
type UART struct {
	sp io.ReadWriteCloser

	// mu is the atomic section around the fifo and the readiness eventfd
	mu    sync.Mutex
	fifo  *fifo.Fifo
	efd   int
	space chan struct{}
	rxErr error

	wmu  sync.Mutex
	done chan int
	cmu  sync.Mutex
	wg   sync.WaitGroup

	sleepDisabled bool

	log ncp.Logger
}

// Open opens the serial port and starts receiving.
func Open(opts serial.OpenOptions, fifoSize int) (*UART, error) {
	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", opts.PortName)
	}

	u, err := New(sp, fifoSize)
	if err != nil {
		sp.Close()
		return nil, err
	}
	u.log.Infof("opened %s at %d baud, flow control %v", opts.PortName, opts.BaudRate, opts.RTSCTSFlowControl)
	return u, nil
}

// New starts a UART transport over an already open port.
func New(sp io.ReadWriteCloser, fifoSize int) (*UART, error) {
	f, err := fifo.New(fifoSize)
	if err != nil {
		return nil, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "can't create eventfd")
	}

	u := &UART{
		sp:    sp,
		fifo:  f,
		efd:   efd,
		space: make(chan struct{}, 1),
		done:  make(chan int),
		log:   ncp.Component("h4"),
	}

	u.wg.Add(1)
	go u.rxLoop()

	return u, nil
}

// Fd becomes readable whenever received bytes are waiting in the fifo.
func (u *UART) Fd() int { return u.efd }

// Buffered counts received bytes. After a receive failure it reports one
// byte so the caller's next Read surfaces the error.
func (u *UART) Buffered() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fifo.Len() == 0 && u.rxErr != nil {
		return 1
	}
	return u.fifo.Len()
}

// Read drains received bytes without blocking. Once the port has failed and
// the fifo is empty it returns the receive error.
func (u *UART) Read(p []byte) (int, error) {
	if !u.isOpen() {
		return 0, io.EOF
	}

	u.mu.Lock()
	n := u.fifo.Read(p)
	if u.fifo.Len() == 0 {
		if n == 0 && u.rxErr != nil {
			err := u.rxErr
			u.mu.Unlock()
			return 0, err
		}
		u.clearReady()
	}
	u.mu.Unlock()

	if n > 0 {
		select {
		case u.space <- struct{}{}:
		default:
		}
	}
	return n, nil
}

func (u *UART) Write(p []byte) (int, error) {
	if !u.isOpen() {
		return 0, io.EOF
	}

	u.wmu.Lock()
	defer u.wmu.Unlock()

	written := 0
	for written < len(p) {
		n, err := u.sp.Write(p[written:])
		if err != nil {
			return written, errors.Wrap(err, "can't write h4")
		}
		written += n
	}
	return written, nil
}

// SleepHint records whether the link must stay awake while a frame tail is in
// flight. Linux UARTs are not power gated, so it is only logged.
func (u *UART) SleepHint(disable bool) {
	u.sleepDisabled = disable
	u.log.Debugf("sleep disabled: %v", disable)
}

func (u *UART) Close() error {
	u.cmu.Lock()
	defer u.cmu.Unlock()

	select {
	case <-u.done:
		return nil

	default:
		close(u.done)
		err := u.sp.Close()
		u.wg.Wait()
		unix.Close(u.efd)

		return errors.Wrap(err, "can't close h4")
	}
}

func (u *UART) isOpen() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

// signalReady and clearReady run inside the atomic section.
func (u *UART) signalReady() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(u.efd, one[:])
}

func (u *UART) clearReady() {
	var b [8]byte
	unix.Read(u.efd, b[:])
}

func (u *UART) rxLoop() {
	defer u.wg.Done()

	for u.isOpen() {
		u.mu.Lock()
		start := u.fifo.Tail()
		win := u.fifo.Reserve(u.fifo.Cap())
		u.mu.Unlock()

		if len(win) == 0 {
			// full, wait for the consumer
			select {
			case <-u.space:
			case <-u.done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		n, err := u.sp.Read(win)

		u.mu.Lock()
		if n > 0 {
			if terr := u.fifo.SetTail(start + n); terr != nil {
				u.log.Errorf("dma tail: %v", terr)
			}
		}
		u.fifo.Release()
		if n > 0 {
			u.signalReady()
		}
		u.mu.Unlock()

		if err != nil {
			if !u.isOpen() {
				return
			}
			// a read timeout with no data surfaces as io.EOF
			if err == io.EOF {
				continue
			}
			u.log.Errorf("serial read: %v", err)
			u.mu.Lock()
			u.rxErr = errors.Wrap(err, "can't read h4")
			u.signalReady()
			u.mu.Unlock()
			return
		}
	}
}
