package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rpsota/rpsota/internal/protocol"
	"github.com/rpsota/rpsota/internal/rps"
)

// deadlineRW is a byte stream with deadlines: a net.Conn or a quic.Stream.
type deadlineRW interface {
	io.ReadWriter
	SetDeadline(t time.Time) error
}

// stream carries 3-byte requests and framed replies over a reliable byte
// stream. TCP and QUIC clients share it.
type stream struct {
	rw      deadlineRW
	timeout time.Duration
	close   func() error

	closeOnce sync.Once
	closeErr  error
}

func (s *stream) RequestHeader(ctx context.Context) (protocol.Frame, error) {
	return s.roundTrip(ctx, protocol.HeaderRequest(rps.HeaderSize))
}

// RequestContent asks for chunk chunkNo. The wire request carries only the
// chunk number; the length is checked by the caller.
func (s *stream) RequestContent(ctx context.Context, chunkNo uint16, length int) (protocol.Frame, error) {
	return s.roundTrip(ctx, protocol.ContentRequest(chunkNo))
}

func (s *stream) roundTrip(ctx context.Context, req protocol.Request) (protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Frame{}, err
	}

	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := s.rw.SetDeadline(deadline); err != nil {
		return protocol.Frame{}, fmt.Errorf("set deadline: %w", err)
	}
	// Cancellation unblocks a pending read by moving the deadline into the past.
	stop := context.AfterFunc(ctx, func() { s.rw.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := protocol.WriteRequest(s.rw, req); err != nil {
		return protocol.Frame{}, s.wrap(ctx, fmt.Errorf("write %s request: %w", req.Kind, err))
	}
	f, err := protocol.ReadFrame(s.rw)
	if err != nil {
		return protocol.Frame{}, s.wrap(ctx, fmt.Errorf("read %s frame: %w", req.Kind, err))
	}
	return f, nil
}

func (s *stream) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}
