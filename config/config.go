// Package config holds the daemon settings: defaults, an optional JSON file
// and validation. Command line values are applied by the caller on top.
package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	TransportUART = "uart"
	TransportCPC  = "cpc"

	FramingLink = "link"
	FramingHCI  = "hci"
)

type Config struct {
	SerialPort  string `json:"serial_port"`
	BaudRate    uint   `json:"baud_rate"`
	Transport   string `json:"transport"`
	FlowControl bool   `json:"flow_control"`
	FifoSize    int    `json:"fifo_size"`
	// Framing is how the co-processor delimits frames: link or hci.
	Framing string `json:"framing"`

	EncryptedSocket string `json:"encrypted_socket"`
	PlaintextSocket string `json:"plaintext_socket"`
	PollSize        int    `json:"poll_size"`

	// HandshakeTimeout of zero waits forever for the target's response.
	HandshakeTimeout Duration `json:"handshake_timeout"`
	// MaxCounterGap of zero accepts any forward counter jump.
	MaxCounterGap uint64 `json:"max_counter_gap"`

	LogLevel    string `json:"log_level"`
	MetricsAddr string `json:"metrics_addr"`
}

// Duration reads either a Go duration string ("5s") or a number of
// milliseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, "bad duration %q", s)
		}
		d.Duration = v
		return nil
	}

	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.Errorf("bad duration %s", b)
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

func Default() Config {
	return Config{
		BaudRate:    115200,
		Transport:   TransportUART,
		FlowControl: true,
		FifoSize:    4096,
		Framing:     FramingLink,
		PollSize:    8,
		LogLevel:    "info",
	}
}

// Load reads a JSON config file over the defaults.
func Load(filename string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(filename); err != nil {
		return cfg, errors.Wrap(err, "can't stat config")
	}

	in, err := ioutil.ReadFile(filename)
	if err != nil {
		return cfg, errors.Wrap(err, "can't read config")
	}

	if err := json.Unmarshal(in, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "can't parse %s", filename)
	}
	return cfg, nil
}

// Store writes cfg as indented JSON.
func Store(filename string, cfg Config) error {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, out, 0644)
}

func (c Config) Validate() error {
	switch {
	case c.SerialPort == "":
		return errors.New("serial port not set")
	case c.Transport != TransportUART && c.Transport != TransportCPC:
		return errors.Errorf("unknown transport %q", c.Transport)
	case c.Framing != FramingLink && c.Framing != FramingHCI:
		return errors.Errorf("unknown framing %q", c.Framing)
	case c.Transport == TransportUART && c.BaudRate == 0:
		return errors.New("baud rate must be positive")
	case c.EncryptedSocket == "" || c.PlaintextSocket == "":
		return errors.New("both socket paths are required")
	case c.EncryptedSocket == c.PlaintextSocket:
		return errors.New("encrypted and plaintext sockets must differ")
	case c.FifoSize <= 0:
		return errors.New("fifo size must be positive")
	case c.PollSize < 5:
		// serial, two listeners, two clients
		return errors.Errorf("poll size %d too small", c.PollSize)
	case c.HandshakeTimeout.Duration < 0:
		return errors.New("handshake timeout cannot be negative")
	}
	return nil
}
