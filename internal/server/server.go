// Package server is the image source: it serves one firmware image to
// transfer clients over TCP, QUIC or a UART link.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpsota/rpsota/internal/dispatch"
	"github.com/rpsota/rpsota/internal/image"
	"github.com/rpsota/rpsota/internal/journal"
	"github.com/rpsota/rpsota/internal/transport"
)

// Config holds server configuration.
type Config struct {
	ImagePath string
	Host      string
	Port      int
	ChunkSize int

	// QUIC also accepts authenticated QUIC clients on the same port.
	QUIC    bool
	Passkey []byte

	LingerAfterLast time.Duration
	IdleTimeout     time.Duration

	// Journal, when set, records every session.
	Journal *journal.Journal
	Logger  *slog.Logger
}

// Server accepts clients and serves them one session at a time.
type Server struct {
	cfg   Config
	log   *slog.Logger
	store *image.Store
	ln    transport.Listener

	// Ready is closed after the listener is bound, with Port set.
	// Callers (tests, CLI) can wait on this before dialing.
	Ready chan struct{}
	Port  int
}

// New creates a server but does not start it. Call Run() to begin.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		log:   log,
		Ready: make(chan struct{}),
	}
}

// Run opens the image, binds the listener and serves sessions until ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	store, err := image.Open(s.cfg.ImagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	s.store = store
	defer s.store.Close()

	// Fail on a bad chunk size or a truncated image before accepting anyone.
	if _, err := dispatch.New(store, s.cfg.ChunkSize, s.log); err != nil {
		return err
	}
	// Clients validate the header themselves, so a bad one is served anyway.
	version := "unknown"
	if h, err := store.Header(); err != nil {
		s.log.Warn("image header does not validate", "image", store.Name(), "err", err)
	} else {
		version = h.Version()
		if int64(h.ImageSize) != store.Size() {
			s.log.Warn("header image size differs from file size",
				"header", h.ImageSize, "file", store.Size())
		}
	}

	if s.cfg.QUIC {
		s.ln, err = transport.ListenDual(s.cfg.Host, s.cfg.Port, s.cfg.Passkey)
	} else {
		s.ln, err = transport.ListenTCP(s.cfg.Host, s.cfg.Port)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer s.ln.Close()

	s.Port = s.ln.Port()
	close(s.Ready)

	s.log.Info("serving image",
		"image", store.Name(),
		"size", store.Size(),
		"version", version,
		"chunk_size", s.cfg.ChunkSize,
		"port", s.Port,
		"quic", s.cfg.QUIC,
	)

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if transport.ListenerClosed(err) {
				return err
			}
			// Accept errors are often transient (bad auth, etc.)
			s.log.Warn("accept failed", "err", err)
			continue
		}
		s.serveSession(ctx, conn)
	}
}

// serveSession runs one client to completion. Its outcome is logged and
// journaled, never returned: a broken client must not stop the server.
func (s *Server) serveSession(ctx context.Context, conn transport.ServerConn) {
	id := uuid.NewString()
	log := s.log.With("session", id, "remote", conn.RemoteAddr().String(), "transport", conn.Mode().String())
	entry := journal.Entry{
		ID:        id,
		Remote:    conn.RemoteAddr().String(),
		Transport: conn.Mode().String(),
		Image:     s.store.Name(),
		Started:   time.Now(),
	}

	d, err := dispatch.New(s.store, s.cfg.ChunkSize, log)
	if err == nil {
		log.Info("session started")
		err = dispatch.Serve(ctx, conn, d, dispatch.ServeOptions{
			LingerAfterLast: s.cfg.LingerAfterLast,
			IdleTimeout:     s.cfg.IdleTimeout,
		})
	}
	conn.Close()

	entry.Finished = time.Now()
	if d != nil {
		st := d.Stats()
		entry.HeaderRequests = st.HeaderRequests
		entry.ChunksServed = st.ChunksServed
		entry.Resyncs = st.Resyncs
		entry.BytesServed = st.BytesServed
		entry.Completed = st.LastServed
	}
	if err != nil {
		entry.Error = err.Error()
	}

	attrs := []any{
		"chunks", entry.ChunksServed,
		"bytes", entry.BytesServed,
		"resyncs", entry.Resyncs,
		"header_requests", entry.HeaderRequests,
		"elapsed", entry.Duration().Round(time.Millisecond),
	}
	switch {
	case err != nil && ctx.Err() == nil:
		log.Warn("session failed", append(attrs, "err", err)...)
	case entry.Completed:
		log.Info("session complete", attrs...)
	default:
		log.Info("session ended", attrs...)
	}

	s.record(entry)
}

func (s *Server) record(e journal.Entry) {
	if s.cfg.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Journal.Record(ctx, e); err != nil {
		s.log.Warn("journal write failed", "session", e.ID, "err", err)
	}
}
