package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rpsota/rpsota/internal/protocol"
)

// UARTConfig tunes the UART link to a host.
type UARTConfig struct {
	// Handshake is the line the host sends when ready to serve.
	Handshake string
	// HandshakeTimeout bounds each wait for the handshake line.
	HandshakeTimeout time.Duration
	// HandshakeRetryDelay is the pause before re-sending "ready".
	HandshakeRetryDelay time.Duration
	// HandshakeRetries is the number of "ready" attempts.
	HandshakeRetries int
	// ReadTimeout bounds each wait for a frame.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

func (c UARTConfig) withDefaults() UARTConfig {
	if c.Handshake == "" {
		c.Handshake = protocol.DefaultHandshake
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 2 * time.Second
	}
	if c.HandshakeRetryDelay <= 0 {
		c.HandshakeRetryDelay = time.Second
	}
	if c.HandshakeRetries <= 0 {
		c.HandshakeRetries = 5
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type rxMode int

const (
	rxLine rxMode = iota
	rxFrame
)

type rxResult struct {
	line  string
	frame protocol.Frame
	err   error
}

// UART is a client transport over a serial link to a host that answers
// ASCII commands with frames.
//
// A receiver goroutine owns the read side. Each receive is armed once and
// completes into a single-slot channel; the requester waits on that channel
// with a bounded timeout. A handshake wait that times out leaves its receive
// armed, so a late handshake line is consumed by the next wait.
type UART struct {
	port io.ReadWriteCloser
	cfg  UARTConfig
	log  *slog.Logger

	arm     chan rxMode
	rx      chan rxResult // single slot
	done    chan struct{}
	pending bool

	handshaken bool

	closeOnce sync.Once
	closeErr  error
}

// NewUART starts a transport on an open port. The handshake runs on the
// first request.
func NewUART(port io.ReadWriteCloser, cfg UARTConfig) *UART {
	cfg = cfg.withDefaults()
	u := &UART{
		port: port,
		cfg:  cfg,
		log:  cfg.Logger,
		arm:  make(chan rxMode),
		rx:   make(chan rxResult, 1),
		done: make(chan struct{}),
	}
	go u.receive(bufio.NewReaderSize(port, protocol.FrameHeaderSize+protocol.MaxPayloadSize))
	return u
}

// receive performs one armed read at a time and posts the result.
func (u *UART) receive(br *bufio.Reader) {
	for {
		var mode rxMode
		select {
		case mode = <-u.arm:
		case <-u.done:
			return
		}

		var res rxResult
		switch mode {
		case rxLine:
			res.line, res.err = protocol.ReadLine(br)
		case rxFrame:
			res.frame, res.err = protocol.ReadFrameSkipping(br, u.cfg.Handshake)
		}
		u.rx <- res
	}
}

func (u *UART) start(mode rxMode) error {
	if u.pending {
		return nil
	}
	select {
	case u.arm <- mode:
		u.pending = true
		return nil
	case <-u.done:
		return ErrClosed
	}
}

func (u *UART) await(ctx context.Context, timeout time.Duration) (rxResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-u.rx:
		u.pending = false
		return res, nil
	case <-timer.C:
		return rxResult{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return rxResult{}, ctx.Err()
	case <-u.done:
		return rxResult{}, ErrClosed
	}
}

func (u *UART) send(c protocol.Command) error {
	if err := protocol.WriteCommand(u.port, c); err != nil {
		return fmt.Errorf("send %q: %w", c.Name, err)
	}
	return nil
}

// Handshake polls the host with "ready" until it answers with the handshake
// line. It is called automatically by the first request.
func (u *UART) Handshake(ctx context.Context) error {
	if u.handshaken {
		return nil
	}
	for attempt := 1; ; attempt++ {
		if err := u.send(protocol.Command{Name: protocol.CmdReady}); err != nil {
			return err
		}
		if err := u.start(rxLine); err != nil {
			return err
		}
		res, err := u.await(ctx, u.cfg.HandshakeTimeout)
		switch {
		case err == nil && res.err != nil:
			return fmt.Errorf("read handshake: %w", res.err)
		case err == nil && res.line == u.cfg.Handshake:
			u.handshaken = true
			u.log.Debug("uart handshake complete", "attempt", attempt)
			return nil
		case err == nil:
			u.log.Debug("ignoring line while waiting for handshake", "line", res.line)
		case !errors.Is(err, ErrTimeout):
			return err
		}

		if attempt >= u.cfg.HandshakeRetries {
			return fmt.Errorf("%w after %d attempts", ErrHandshake, attempt)
		}
		u.log.Debug("handshake retry", "attempt", attempt, "delay", u.cfg.HandshakeRetryDelay)
		select {
		case <-time.After(u.cfg.HandshakeRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (u *UART) RequestHeader(ctx context.Context) (protocol.Frame, error) {
	return u.request(ctx, protocol.Command{Name: protocol.CmdHeader})
}

func (u *UART) RequestContent(ctx context.Context, chunkNo uint16, length int) (protocol.Frame, error) {
	return u.request(ctx, protocol.Command{Name: protocol.CmdData, Chunk: chunkNo, Length: length})
}

func (u *UART) request(ctx context.Context, c protocol.Command) (protocol.Frame, error) {
	if err := u.Handshake(ctx); err != nil {
		return protocol.Frame{}, err
	}
	if u.pending {
		// A previous receive never completed; the link is out of step.
		return protocol.Frame{}, fmt.Errorf("%w: previous receive still outstanding", ErrTimeout)
	}
	if err := u.send(c); err != nil {
		return protocol.Frame{}, err
	}
	if err := u.start(rxFrame); err != nil {
		return protocol.Frame{}, err
	}
	res, err := u.await(ctx, u.cfg.ReadTimeout)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%s: %w", c, err)
	}
	if res.err != nil {
		return protocol.Frame{}, fmt.Errorf("%s: read frame: %w", c, res.err)
	}
	return res.frame, nil
}

// Complete tells the host the image was accepted.
func (u *UART) Complete(ctx context.Context) error {
	return u.send(protocol.Command{Name: protocol.CmdDone})
}

// Close stops the receiver and closes the port.
func (u *UART) Close() error {
	u.closeOnce.Do(func() {
		close(u.done)
		u.closeErr = u.port.Close()
	})
	return u.closeErr
}
