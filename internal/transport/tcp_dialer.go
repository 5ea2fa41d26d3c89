package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultRequestTimeout bounds each request/response exchange on stream
// transports.
const DefaultRequestTimeout = 30 * time.Second

// DialOptions configures the stream transports.
type DialOptions struct {
	// RequestTimeout bounds each request. Zero uses DefaultRequestTimeout;
	// a negative value disables the bound.
	RequestTimeout time.Duration
	// Passkey authenticates QUIC connections.
	Passkey []byte
}

func (o DialOptions) timeout() time.Duration {
	switch {
	case o.RequestTimeout == 0:
		return DefaultRequestTimeout
	case o.RequestTimeout < 0:
		return 0
	}
	return o.RequestTimeout
}

// TCP is a client transport over a plain TCP connection.
type TCP struct {
	stream
	conn net.Conn
}

// DialTCP connects to an image source at addr (host:port).
func DialTCP(ctx context.Context, addr string, opts DialOptions) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}
	return newTCP(conn, opts), nil
}

func newTCP(conn net.Conn, opts DialOptions) *TCP {
	return &TCP{
		stream: stream{rw: conn, timeout: opts.timeout(), close: conn.Close},
		conn:   conn,
	}
}

// RemoteAddr returns the image source address.
func (t *TCP) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
