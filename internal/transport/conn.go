// Package transport moves chunk requests and frames between a transfer client
// and an image source over TCP, QUIC or a UART link.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rpsota/rpsota/internal/protocol"
)

// Mode selects a transport.
type Mode int

const (
	ModeTCP Mode = iota
	ModeQUIC
	ModeUART
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeQUIC:
		return "quic"
	case ModeUART:
		return "uart"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name as written in config files.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "tcp", "":
		return ModeTCP, nil
	case "quic":
		return ModeQUIC, nil
	case "uart":
		return ModeUART, nil
	}
	return 0, errors.New("unknown transport " + s)
}

var (
	ErrTimeout   = errors.New("request timed out")
	ErrClosed    = errors.New("transport closed")
	ErrHandshake = errors.New("no handshake from host")
	ErrAuth      = errors.New("authentication rejected")
)

// Transport is the client side of a transfer link. At most one request is
// in flight at a time.
type Transport interface {
	RequestHeader(ctx context.Context) (protocol.Frame, error)
	RequestContent(ctx context.Context, chunkNo uint16, length int) (protocol.Frame, error)
	Close() error
}

// Completer is implemented by transports that tell the image source a
// transfer finished.
type Completer interface {
	Complete(ctx context.Context) error
}

// ServerConn is the image-source side of one accepted client stream.
type ServerConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Mode() Mode
	Close() error
}

// Listener accepts client streams on the image-source side.
type Listener interface {
	Accept(ctx context.Context) (ServerConn, error)
	Port() int
	Close() error
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
