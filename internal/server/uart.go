package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpsota/rpsota/internal/dispatch"
	"github.com/rpsota/rpsota/internal/image"
	"github.com/rpsota/rpsota/internal/journal"
	"github.com/rpsota/rpsota/internal/protocol"
	"github.com/rpsota/rpsota/internal/rps"
)

// UARTConfig configures the UART host loop.
type UARTConfig struct {
	ChunkSize int
	// Handshake is the line sent in reply to "ready".
	Handshake string
	Journal   *journal.Journal
	Logger    *slog.Logger
}

// ServeUART plays the host side of a UART link for one module run: it
// answers "ready" with the handshake line and "header"/"data" with frames
// from store, and returns once the module sends "done". Every "ready" starts
// a fresh session. If port is an io.Closer, cancelling ctx closes it.
//
// Use NewUARTHost to serve the same port more than once.
func ServeUART(ctx context.Context, port io.ReadWriter, store *image.Store, cfg UARTConfig) error {
	h, err := NewUARTHost(port, store, cfg)
	if err != nil {
		return err
	}
	return h.Serve(ctx)
}

// UARTHost serves store on one port. It owns the port's read buffer, so
// commands the module sends right after "done" reach the next Serve call.
type UARTHost struct {
	port  io.ReadWriter
	br    *bufio.Reader
	store *image.Store
	cfg   UARTConfig
	log   *slog.Logger

	d     *dispatch.Dispatcher
	entry journal.Entry
	sess  *slog.Logger
}

// NewUARTHost checks the chunk size against store and returns a host for port.
func NewUARTHost(port io.ReadWriter, store *image.Store, cfg UARTConfig) (*UARTHost, error) {
	if cfg.Handshake == "" {
		cfg.Handshake = protocol.DefaultHandshake
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if _, err := dispatch.New(store, cfg.ChunkSize, log); err != nil {
		return nil, err
	}
	return &UARTHost{
		port:  port,
		br:    bufio.NewReader(port),
		store: store,
		cfg:   cfg,
		log:   log,
	}, nil
}

// Serve answers commands until the module sends "done", the port fails or
// ctx is cancelled.
func (h *UARTHost) Serve(ctx context.Context) error {
	if c, ok := h.port.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}
	defer h.finish(nil)

	for {
		line, err := protocol.ReadLine(h.br)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, protocol.ErrLineTooLong) {
				h.log.Warn("discarding overlong line")
				continue
			}
			if errors.Is(err, io.EOF) {
				err = dispatch.ErrClientGone
			}
			h.finish(err)
			return err
		}
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			h.log.Warn("ignoring line", "line", line, "err", err)
			continue
		}

		done, err := h.handle(cmd)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.finish(err)
			return err
		}
		if done {
			return nil
		}
	}
}

func (h *UARTHost) begin() error {
	h.finish(nil)
	id := uuid.NewString()
	h.sess = h.log.With("session", id, "transport", "uart")
	d, err := dispatch.New(h.store, h.cfg.ChunkSize, h.sess)
	if err != nil {
		return err
	}
	h.d = d
	h.entry = journal.Entry{
		ID:        id,
		Remote:    "uart",
		Transport: "uart",
		Image:     h.store.Name(),
		Started:   time.Now(),
	}
	return nil
}

// handle answers one command and reports whether the module is done.
func (h *UARTHost) handle(cmd protocol.Command) (bool, error) {
	switch cmd.Name {
	case protocol.CmdReady:
		if err := h.begin(); err != nil {
			return false, err
		}
		h.sess.Debug("handshake")
		if _, err := io.WriteString(h.port, h.cfg.Handshake+"\n"); err != nil {
			return false, fmt.Errorf("write handshake: %w", err)
		}
		return false, nil

	case protocol.CmdDone:
		if h.d != nil {
			h.sess.Info("module reported done")
		}
		h.finish(nil)
		return true, nil
	}

	// A module that skipped the handshake still gets served.
	if h.d == nil {
		if err := h.begin(); err != nil {
			return false, err
		}
	}

	req := protocol.HeaderRequest(rps.HeaderSize)
	if cmd.Name == protocol.CmdData {
		req = protocol.ContentRequest(cmd.Chunk)
	}
	f, _, err := h.d.Answer(req)
	if err != nil {
		return false, err
	}
	if cmd.Name == protocol.CmdData && f.Kind == protocol.KindContent && f.Len() != cmd.Length {
		h.sess.Warn("module expects a different chunk length",
			"chunk", cmd.Chunk, "requested", cmd.Length, "served", f.Len())
	}
	if err := protocol.WriteFrame(h.port, f); err != nil {
		return false, fmt.Errorf("write %s frame: %w", f.Kind, err)
	}
	return false, nil
}

// finish closes out the current session, if any.
func (h *UARTHost) finish(err error) {
	if h.d == nil {
		return
	}
	st := h.d.Stats()
	h.d = nil

	e := h.entry
	e.Finished = time.Now()
	e.HeaderRequests = st.HeaderRequests
	e.ChunksServed = st.ChunksServed
	e.Resyncs = st.Resyncs
	e.BytesServed = st.BytesServed
	e.Completed = st.LastServed
	if err != nil {
		e.Error = err.Error()
	}
	// Handshake-only sessions are not recorded.
	if st.HeaderRequests == 0 && st.ChunksServed == 0 && err == nil {
		return
	}

	h.sess.Info("session ended",
		"chunks", e.ChunksServed,
		"bytes", e.BytesServed,
		"resyncs", e.Resyncs,
		"completed", e.Completed,
	)
	if h.cfg.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.cfg.Journal.Record(ctx, e); err != nil {
			h.log.Warn("journal write failed", "session", e.ID, "err", err)
		}
	}
}
