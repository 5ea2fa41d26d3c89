package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rpsota/rpsota/internal/protocol"
	"github.com/rpsota/rpsota/internal/rps"
)

// ErrClientGone means the client closed the stream before the last chunk.
var ErrClientGone = errors.New("client disconnected before the last chunk")

// Conn is a request/response stream to one client.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// ServeOptions tunes the request loop.
type ServeOptions struct {
	// LingerAfterLast keeps answering requests this long after the last
	// chunk was sent. Zero returns immediately after the last chunk.
	LingerAfterLast time.Duration
	// IdleTimeout bounds the wait for each request. Zero waits forever.
	IdleTimeout time.Duration
}

// Serve answers requests on conn until the last chunk has been sent (plus
// any linger), the client disconnects, or ctx is cancelled. Cancelling ctx
// closes conn. Out-of-range chunk requests are answered with an error frame.
func Serve(ctx context.Context, conn Conn, d *Dispatcher, opts ServeOptions) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var lingerUntil time.Time
	for {
		var deadline time.Time
		switch {
		case !lingerUntil.IsZero():
			deadline = lingerUntil
		case opts.IdleTimeout > 0:
			deadline = time.Now().Add(opts.IdleTimeout)
		}
		if err := conn.SetReadDeadline(deadline); err != nil && ctx.Err() == nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.stats.LastServed && (errors.Is(err, io.EOF) || isTimeout(err)) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrClientGone
			}
			return fmt.Errorf("read request: %w", err)
		}

		frame, last, err := d.Answer(req)
		if err != nil {
			return err
		}
		if err := protocol.WriteFrame(conn, frame); err != nil {
			return fmt.Errorf("write %s frame: %w", frame.Kind, err)
		}

		if last && lingerUntil.IsZero() {
			if opts.LingerAfterLast <= 0 {
				return nil
			}
			lingerUntil = time.Now().Add(opts.LingerAfterLast)
		}
	}
}

// Answer builds the reply to one request. Out-of-range content requests get
// an error frame rather than an error; last reports the final content chunk.
func (d *Dispatcher) Answer(req protocol.Request) (f protocol.Frame, last bool, err error) {
	if req.Kind == protocol.KindHeader {
		if int(req.Value) != rps.HeaderSize {
			d.log.Debug("header request with unexpected size", "size", req.Value)
		}
		f, err = d.ServeHeader()
		return f, false, err
	}

	f, last, err = d.ServeContent(req.Value)
	var oor *OutOfRangeError
	if errors.As(err, &oor) {
		d.log.Warn("rejecting request", "chunk", oor.Chunk, "offset", oor.Offset)
		return protocol.ErrorFrame(oor.Error()), false, nil
	}
	return f, last, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
