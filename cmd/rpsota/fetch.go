package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rpsota/rpsota/internal/auth"
	"github.com/rpsota/rpsota/internal/client"
	"github.com/rpsota/rpsota/internal/config"
	"github.com/rpsota/rpsota/internal/loader"
	"github.com/rpsota/rpsota/internal/transport"
)

type fetchFlags struct {
	mode     string
	passkey  string
	device   string
	baud     int
	chunk    int
	retries  int
	out      string
	profile  bool
	progress bool
}

func runFetchUART(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	return fetch(ctx, cfg, "uart", args, stdout)
}

func runFetch(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	return fetch(ctx, cfg, "tcp", args, stdout)
}

func fetch(ctx context.Context, cfg *config.Config, defaultMode string, args []string, stdout io.Writer) error {
	var ff fetchFlags
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.StringVar(&ff.mode, "mode", defaultMode, "transport: tcp, quic or uart")
	fs.StringVar(&ff.passkey, "k", cfg.Server.Passkey, "hex-encoded passkey (quic)")
	fs.StringVar(&ff.device, "device", cfg.UART.Device, "serial device (uart)")
	fs.IntVar(&ff.baud, "baud", cfg.UART.Baud, "baud rate (uart)")
	fs.IntVar(&ff.chunk, "chunk", cfg.Transfer.ChunkSize, "chunk size in bytes, must match the image source")
	fs.IntVar(&ff.retries, "retries", cfg.Transfer.MaxHeaderRetries, "header re-requests before giving up")
	fs.StringVar(&ff.out, "o", "", "output file (required)")
	fs.BoolVar(&ff.profile, "profile", false, "print a transfer profile and write it as JSON to the temp dir")
	fs.BoolVar(&ff.progress, "progress", term.IsTerminal(int(os.Stderr.Fd())), "show a progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if ff.out == "" {
		return errors.New("-o <file> is required")
	}
	mode, err := transport.ParseMode(ff.mode)
	if err != nil {
		return err
	}

	tr, err := openTransport(ctx, cfg, mode, ff, fs.Arg(0))
	if err != nil {
		return err
	}
	defer tr.Close()

	retries := ff.retries
	if retries == 0 {
		retries = -1 // client.Config treats 0 as "use the default"
	}
	ccfg := client.Config{
		ChunkSize:          ff.chunk,
		MaxHeaderRetries:   retries,
		HeaderRetryBackoff: cfg.Transfer.HeaderRetryBackoff,
		Logger:             slog.Default(),
	}

	var bar *progressbar.ProgressBar
	if ff.progress {
		ccfg.Progress = func(p client.Progress) {
			if bar == nil {
				bar = progressbar.NewOptions64(p.TotalBytes,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetWidth(40),
					progressbar.OptionSetDescription("Fetching"),
					progressbar.OptionShowBytes(true),
					progressbar.OptionClearOnFinish(),
				)
			}
			bar.Set64(p.Bytes)
		}
	}

	fl := loader.NewFile(ff.out)
	s, err := client.New(tr, fl, ccfg).Run(ctx)
	if bar != nil {
		bar.Finish()
	}
	if ff.profile {
		p := client.NewProfile(s, tr)
		p.Print(os.Stderr)
		if name, werr := p.WriteJSON(os.TempDir()); werr != nil {
			slog.Warn("could not write profile", "err", werr)
		} else {
			fmt.Fprintf(os.Stderr, "[profile] wrote %s\n", name)
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s: firmware %s, %d bytes in %d chunks\n",
		fl.Path(), s.Header.Version(), s.ImageSize, s.TotalChunks)
	return nil
}

// openTransport connects to the image source. target is host[:port] for the
// network modes and ignored for uart.
func openTransport(ctx context.Context, cfg *config.Config, mode transport.Mode, ff fetchFlags, target string) (transport.Transport, error) {
	if mode == transport.ModeUART {
		if ff.device == "" {
			return nil, errors.New("-device is required for uart")
		}
		return transport.OpenSerial(ff.device, ff.baud, uartConfig(cfg))
	}

	if target == "" {
		return nil, errors.New("image source address is required")
	}
	addr := target
	if _, _, err := net.SplitHostPort(target); err != nil {
		addr = net.JoinHostPort(target, strconv.Itoa(cfg.Server.Port))
	}
	opts := transport.DialOptions{RequestTimeout: cfg.Transfer.RequestTimeout}

	if mode == transport.ModeQUIC {
		if ff.passkey == "" {
			return nil, errors.New("-k <passkey> is required for quic")
		}
		passkey, err := auth.ParsePasskey(ff.passkey)
		if err != nil {
			return nil, err
		}
		opts.Passkey = passkey
		q, err := transport.DialQUIC(ctx, addr, opts)
		if err != nil {
			return nil, err
		}
		slog.Debug("connected", "addr", addr, "server_cert", q.ServerFingerprint())
		return q, nil
	}
	return transport.DialTCP(ctx, addr, opts)
}

// uartConfig maps the uart section onto the transport's settings.
func uartConfig(cfg *config.Config) transport.UARTConfig {
	return transport.UARTConfig{
		Handshake:           cfg.UART.Handshake,
		HandshakeTimeout:    cfg.UART.HandshakeTimeout,
		HandshakeRetryDelay: cfg.UART.HandshakeRetryDelay,
		HandshakeRetries:    cfg.UART.HandshakeRetries,
		ReadTimeout:         cfg.UART.ReadTimeout,
		Logger:              slog.Default(),
	}
}
