//go:build linux
// +build linux

// Command ncpd bridges a secure NCP co-processor on a serial port to two
// local unix sockets, one encrypted and one plaintext.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rigado/ncp"
	"github.com/rigado/ncp/config"
	"github.com/rigado/ncp/daemon"
	"github.com/rigado/ncp/hci/cpc"
	"github.com/rigado/ncp/hci/h4"
	"github.com/rigado/ncp/metrics"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

const argsUsage = "<serial_port> <baud_rate> <encrypted_socket_path> <unencrypted_socket_path>"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ncpd: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ncpd"
	app.Usage = "secure NCP host daemon"
	app.ArgsUsage = argsUsage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "JSON config file; positional arguments and flags override it",
		},
		cli.StringFlag{
			Name:  "transport",
			Usage: "co-processor transport: uart or cpc (serial_port is then the endpoint socket)",
		},
		cli.StringFlag{
			Name:  "framing",
			Usage: "co-processor framing: link (encrypted NCP link) or hci (plain H4 packets)",
		},
		cli.BoolFlag{
			Name:  "no-flow-control",
			Usage: "disable RTS/CTS on the UART",
		},
		cli.DurationFlag{
			Name:  "handshake-timeout",
			Usage: "restart a key exchange that has not completed in this long, 0 waits forever",
		},
		cli.Uint64Flag{
			Name:  "max-counter-gap",
			Usage: "drop inbound frames whose counter jumps further ahead, 0 for no limit",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "panic, fatal, error, warn, info, debug or trace",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve Prometheus metrics on this address",
		},
	}
	app.Action = runCommand
	return app
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if fn := c.String("config"); fn != "" {
		var err error
		if cfg, err = config.Load(fn); err != nil {
			return cfg, err
		}
	}

	args := c.Args()
	switch {
	case len(args) == 4:
		baud, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return cfg, errors.Errorf("bad baud rate %q", args[1])
		}
		cfg.SerialPort = args[0]
		cfg.BaudRate = uint(baud)
		cfg.EncryptedSocket = args[2]
		cfg.PlaintextSocket = args[3]
	case len(args) == 0 && c.IsSet("config"):
	default:
		return cfg, errors.Errorf("usage: %s [options] %s", c.App.Name, argsUsage)
	}

	if c.IsSet("transport") {
		cfg.Transport = c.String("transport")
	}
	if c.IsSet("framing") {
		cfg.Framing = c.String("framing")
	}
	if c.IsSet("no-flow-control") {
		cfg.FlowControl = false
	}
	if c.IsSet("handshake-timeout") {
		cfg.HandshakeTimeout.Duration = c.Duration("handshake-timeout")
	}
	if c.IsSet("max-counter-gap") {
		cfg.MaxCounterGap = c.Uint64("max-counter-gap")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}

	return cfg, cfg.Validate()
}

func openSerial(cfg config.Config) (daemon.Serial, error) {
	if cfg.Transport == config.TransportCPC {
		e, err := cpc.Open(cfg.SerialPort)
		if err != nil {
			return nil, err
		}
		return e, nil
	}

	opts := h4.DefaultSerialOptions(cfg.SerialPort, cfg.BaudRate)
	opts.RTSCTSFlowControl = cfg.FlowControl
	u, err := h4.Open(opts, cfg.FifoSize)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := ncp.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	log := ncp.Component("ncpd")

	serial, err := openSerial(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	d, err := daemon.New(serial, cfg.EncryptedSocket, cfg.PlaintextSocket,
		ncp.OptHandshakeTimeout(cfg.HandshakeTimeout.Duration),
		ncp.OptMaxCounterGap(cfg.MaxCounterGap),
		ncp.OptPollSize(cfg.PollSize),
		ncp.OptFraming(cfg.Framing),
		ncp.OptMetrics(collector),
	)
	if err != nil {
		serial.Close()
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Infof("shutting down")
	return err
}
