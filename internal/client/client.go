// Package client drives a firmware transfer: it fetches and validates the
// image header, then requests every content chunk in order and hands it to
// a loader.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpsota/rpsota/internal/loader"
	"github.com/rpsota/rpsota/internal/protocol"
	"github.com/rpsota/rpsota/internal/rps"
	"github.com/rpsota/rpsota/internal/transport"
)

const (
	DefaultChunkSize          = 1024
	DefaultMaxHeaderRetries   = 5
	DefaultHeaderRetryBackoff = 200 * time.Millisecond
	DefaultMaxRetryBackoff    = 5 * time.Second
)

var (
	ErrHeaderRetriesExhausted = errors.New("header failed validation on every attempt")
	ErrUnexpectedLength       = errors.New("frame length differs from the requested length")
	ErrUnexpectedKind         = errors.New("unexpected frame kind")
	ErrRejected               = errors.New("image source rejected the request")
	ErrLoaderIncomplete       = errors.New("loader did not report completion after the last chunk")
)

// Config holds client configuration.
type Config struct {
	// ChunkSize must match the image source's chunk size.
	ChunkSize int
	// MaxHeaderRetries bounds re-requests after a header fails validation.
	MaxHeaderRetries int
	// HeaderRetryBackoff is the first pause between header requests; it
	// doubles on each retry up to MaxRetryBackoff.
	HeaderRetryBackoff time.Duration
	MaxRetryBackoff    time.Duration

	// SessionID labels the session in logs; a random UUID when empty.
	SessionID string
	Logger    *slog.Logger

	// Progress is called after the header and after every appended chunk.
	Progress func(Progress)
	// OnComplete runs once the loader reports completion, e.g. to reset the
	// device. Its error is returned from Run but the session stays Completed.
	OnComplete func(*Session) error
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxHeaderRetries < 0 {
		c.MaxHeaderRetries = 0
	} else if c.MaxHeaderRetries == 0 {
		c.MaxHeaderRetries = DefaultMaxHeaderRetries
	}
	if c.HeaderRetryBackoff <= 0 {
		c.HeaderRetryBackoff = DefaultHeaderRetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client runs transfer sessions over one transport into one loader.
type Client struct {
	t   transport.Transport
	l   loader.Loader
	cfg Config
}

// New creates a client. A negative MaxHeaderRetries disables header retries.
func New(t transport.Transport, l loader.Loader, cfg Config) *Client {
	return &Client{t: t, l: l, cfg: cfg.withDefaults()}
}

// Run performs one transfer. The returned session is never nil; on failure
// its State is Failed and the error is a *TransferError.
func (c *Client) Run(ctx context.Context) (*Session, error) {
	id := c.cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:           id,
		State:        AwaitingHeader,
		CurrentChunk: 1,
		ChunkSize:    c.cfg.ChunkSize,
		Started:      time.Now(),
	}
	log := c.cfg.Logger.With("session", id)

	if err := c.awaitHeader(ctx, s, log); err != nil {
		return s, c.fail(s, err, log)
	}
	if err := c.receive(ctx, s, log); err != nil {
		return s, c.fail(s, err, log)
	}

	s.State = Completed
	s.Finished = time.Now()
	log.Info("transfer complete",
		"bytes", s.BytesAppended,
		"chunks", s.TotalChunks,
		"header_requests", s.HeaderRequests,
		"elapsed", s.Duration().Round(time.Millisecond),
	)

	if done, ok := c.t.(transport.Completer); ok {
		if err := done.Complete(ctx); err != nil {
			log.Warn("could not notify image source", "err", err)
		}
	}
	if c.cfg.OnComplete != nil {
		if err := c.cfg.OnComplete(s); err != nil {
			return s, fmt.Errorf("post-update action: %w", err)
		}
	}
	return s, nil
}

func (c *Client) fail(s *Session, err error, log *slog.Logger) error {
	terr := &TransferError{State: s.State, Chunk: s.CurrentChunk, Err: err}
	s.State = Failed
	s.Finished = time.Now()
	if a, ok := c.l.(interface{ Abort() }); ok {
		a.Abort()
	}
	log.Error("transfer failed", "chunk", terr.Chunk, "err", err)
	return terr
}

// awaitHeader requests the header until one passes validation, then sets up
// chunk accounting and begins the loader.
func (c *Client) awaitHeader(ctx context.Context, s *Session, log *slog.Logger) error {
	var payload []byte
	for {
		s.HeaderRequests++
		f, err := c.t.RequestHeader(ctx)
		if err != nil {
			return fmt.Errorf("request header: %w", err)
		}
		if err := checkKind(f, protocol.KindHeader); err != nil {
			return err
		}
		if f.Len() == rps.HeaderSize && rps.ValidateHeader(f.Payload) {
			payload = f.Payload
			break
		}

		retries := s.HeaderRequests - 1
		log.Warn("header failed validation", "len", f.Len(), "attempt", s.HeaderRequests)
		if retries >= c.cfg.MaxHeaderRetries {
			return fmt.Errorf("%w: %d requests", ErrHeaderRetriesExhausted, s.HeaderRequests)
		}
		if err := sleep(ctx, c.backoff(retries)); err != nil {
			return err
		}
	}

	h, err := rps.ParseHeader(payload)
	if err != nil {
		return err
	}
	acct, err := rps.NewAccounting(int(h.ImageSize), c.cfg.ChunkSize)
	if err != nil {
		return err
	}

	s.Header = h
	s.ImageSize = acct.ImageSize
	s.TotalChunks = acct.TotalChunks
	s.LastChunkLen = acct.LastChunkLen

	if err := c.l.Begin(payload); err != nil {
		return fmt.Errorf("loader begin: %w", err)
	}

	log.Info("header accepted",
		"version", h.Version(),
		"image_size", s.ImageSize,
		"chunks", s.TotalChunks,
		"last_chunk", s.LastChunkLen,
	)
	s.State = ReceivingContent
	s.CurrentChunk = 2
	c.progress(s)
	return nil
}

// receive requests content chunks 2..TotalChunks in order until the loader
// reports completion.
func (c *Client) receive(ctx context.Context, s *Session, log *slog.Logger) error {
	acct := rps.Accounting{
		ImageSize:    s.ImageSize,
		HeaderSize:   rps.HeaderSize,
		ChunkSize:    s.ChunkSize,
		TotalChunks:  s.TotalChunks,
		LastChunkLen: s.LastChunkLen,
	}
	for {
		n := s.CurrentChunk
		want := acct.ChunkLen(n)

		f, err := c.t.RequestContent(ctx, uint16(n), want)
		if err != nil {
			return fmt.Errorf("request chunk %d: %w", n, err)
		}
		if err := checkKind(f, protocol.KindContent); err != nil {
			return err
		}
		if f.Len() != want {
			return fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrUnexpectedLength, n, f.Len(), want)
		}

		st, err := c.l.Append(f.Payload)
		if err != nil {
			return fmt.Errorf("loader append: %w", err)
		}
		s.BytesAppended += int64(f.Len())
		log.Debug("chunk appended", "chunk", n, "len", f.Len(), "status", st)
		c.progress(s)

		if st == loader.StatusDone {
			return nil
		}
		if n >= s.TotalChunks {
			return ErrLoaderIncomplete
		}
		s.CurrentChunk++
	}
}

func checkKind(f protocol.Frame, want protocol.Kind) error {
	switch f.Kind {
	case want:
		return nil
	case protocol.KindError:
		return fmt.Errorf("%w: %s", ErrRejected, f.Payload)
	default:
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedKind, f.Kind, want)
	}
}

func (c *Client) progress(s *Session) {
	if c.cfg.Progress == nil {
		return
	}
	c.cfg.Progress(Progress{
		SessionID:   s.ID,
		Chunk:       s.CurrentChunk,
		TotalChunks: s.TotalChunks,
		Bytes:       s.BytesAppended,
		TotalBytes:  s.ContentSize(),
	})
}

// backoff returns the pause before header retry n (1-based).
func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.HeaderRetryBackoff
	for i := 1; i < n && d < c.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, c.cfg.MaxRetryBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
