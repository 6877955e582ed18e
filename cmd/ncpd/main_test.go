//go:build linux
// +build linux

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rigado/ncp/config"
	"github.com/urfave/cli"
)

func parse(args ...string) (config.Config, error) {
	var cfg config.Config
	var perr error

	app := newApp()
	app.Action = func(c *cli.Context) error {
		cfg, perr = loadConfig(c)
		return nil
	}
	if err := app.Run(append([]string{"ncpd"}, args...)); err != nil {
		return cfg, err
	}
	return cfg, perr
}

func TestTooFewArgs(t *testing.T) {
	_, err := parse("/dev/ttyACM0", "115200")
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestPositionalArgs(t *testing.T) {
	cfg, err := parse("/dev/ttyACM0", "460800", "/tmp/enc", "/tmp/plain")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SerialPort != "/dev/ttyACM0" || cfg.BaudRate != 460800 ||
		cfg.EncryptedSocket != "/tmp/enc" || cfg.PlaintextSocket != "/tmp/plain" {
		t.Fatalf("config %+v", cfg)
	}
	if cfg.Transport != config.TransportUART || cfg.HandshakeTimeout.Duration != 0 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestBadBaud(t *testing.T) {
	if _, err := parse("/dev/ttyACM0", "fast", "/tmp/enc", "/tmp/plain"); err == nil {
		t.Fatal("bad baud rate accepted")
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg, err := parse(
		"--transport", "cpc",
		"--handshake-timeout", "2s",
		"--max-counter-gap", "64",
		"--no-flow-control",
		"--framing", "hci",
		"/run/cpcd/ep0", "0", "/tmp/enc", "/tmp/plain",
	)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != config.TransportCPC || cfg.HandshakeTimeout.Duration != 2*time.Second ||
		cfg.MaxCounterGap != 64 || cfg.FlowControl || cfg.Framing != config.FramingHCI {
		t.Fatalf("config %+v", cfg)
	}
}

func TestConfigFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "ncpd.json")
	c := config.Default()
	c.SerialPort = "/dev/ttyUSB0"
	c.EncryptedSocket = "/tmp/e"
	c.PlaintextSocket = "/tmp/p"
	c.LogLevel = "debug"
	if err := config.Store(fn, c); err != nil {
		t.Fatal(err)
	}

	cfg, err := parse("--config", fn)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SerialPort != "/dev/ttyUSB0" || cfg.LogLevel != "debug" {
		t.Fatalf("config %+v", cfg)
	}

	cfg, err = parse("--config", fn, "--log-level", "warn")
	if err != nil || cfg.LogLevel != "warn" {
		t.Fatalf("flag did not override file: %+v %v", cfg, err)
	}

	os.Remove(fn)
	if _, err := parse("--config", fn); err == nil {
		t.Fatal("missing config file accepted")
	}
}
