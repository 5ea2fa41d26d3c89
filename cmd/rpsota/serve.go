package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/rpsota/rpsota/internal/auth"
	"github.com/rpsota/rpsota/internal/config"
	"github.com/rpsota/rpsota/internal/image"
	"github.com/rpsota/rpsota/internal/journal"
	"github.com/rpsota/rpsota/internal/server"
	"github.com/rpsota/rpsota/internal/transport"
)

func openJournal(path string) (*journal.Journal, error) {
	if path == "" {
		return nil, nil
	}
	return journal.Open(path)
}

func runServe(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	imagePath := fs.String("image", cfg.Server.Image, "image file to serve (required)")
	host := fs.String("host", cfg.Server.Host, "address to listen on")
	port := fs.Int("p", cfg.Server.Port, "port to listen on (0 = random)")
	chunk := fs.Int("chunk", cfg.Transfer.ChunkSize, "chunk size in bytes")
	quic := fs.Bool("quic", cfg.Server.QUIC, "also accept QUIC clients on the same port")
	passkeyHex := fs.String("k", cfg.Server.Passkey, "hex-encoded QUIC passkey (generated when empty)")
	linger := fs.Duration("linger", cfg.Server.Linger, "keep answering this long after the last chunk")
	idle := fs.Duration("idle", cfg.Server.IdleTimeout, "drop clients silent for this long (0 = never)")
	journalPath := fs.String("journal", cfg.Server.Journal, "SQLite journal of served sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" && fs.NArg() > 0 {
		*imagePath = fs.Arg(0)
	}
	if *imagePath == "" {
		return errors.New("-image <file> is required")
	}

	var passkey []byte
	if *quic {
		var err error
		if *passkeyHex == "" {
			passkey, err = auth.GeneratePasskey()
			if err == nil {
				fmt.Fprintf(stdout, "passkey %s\n", auth.EncodePasskey(passkey))
			}
		} else {
			passkey, err = auth.ParsePasskey(*passkeyHex)
		}
		if err != nil {
			return err
		}
	}

	j, err := openJournal(*journalPath)
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
	}

	s := server.New(server.Config{
		ImagePath:       *imagePath,
		Host:            *host,
		Port:            *port,
		ChunkSize:       *chunk,
		QUIC:            *quic,
		Passkey:         passkey,
		LingerAfterLast: *linger,
		IdleTimeout:     *idle,
		Journal:         j,
		Logger:          slog.Default(),
	})

	// Print port once the listener is ready (for parent processes / scripts)
	go func() {
		select {
		case <-s.Ready:
			fmt.Fprintln(stdout, s.Port)
		case <-ctx.Done():
		}
	}()

	return s.Run(ctx)
}

func runHost(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	device := fs.String("device", cfg.UART.Device, "serial device (required)")
	baud := fs.Int("baud", cfg.UART.Baud, "baud rate")
	imagePath := fs.String("image", cfg.Server.Image, "image file to serve (required)")
	chunk := fs.Int("chunk", cfg.Transfer.ChunkSize, "chunk size in bytes")
	journalPath := fs.String("journal", cfg.Server.Journal, "SQLite journal of served sessions")
	once := fs.Bool("once", false, "exit after the module reports done")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" || *imagePath == "" {
		return errors.New("-device and -image are required")
	}

	store, err := image.Open(*imagePath)
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := openJournal(*journalPath)
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
	}

	port, err := transport.OpenPort(*device, *baud)
	if err != nil {
		return err
	}
	defer port.Close()

	host, err := server.NewUARTHost(port, store, server.UARTConfig{
		ChunkSize: *chunk,
		Handshake: cfg.UART.Handshake,
		Journal:   j,
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}

	slog.Info("waiting for module", "device", *device, "baud", *baud, "image", store.Name())
	for {
		if err := host.Serve(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "module reported done")
		if *once {
			return nil
		}
	}
}
