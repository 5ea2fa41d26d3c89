package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// dualListener accepts connections from both a QUIC (UDP) and a TCP listener
// on the same port number. Accept returns whichever connection arrives first.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	port int

	// connCh receives connections and transient errors from both loops.
	connCh chan acceptRes
	// cancel stops both accept loops on Close.
	cancel context.CancelFunc
}

type acceptRes struct {
	conn ServerConn
	err  error
}

// ListenDual creates a QUIC listener and a plain TCP listener on the same
// port number. QUIC binds first so port 0 picks a free port for both.
func ListenDual(host string, port int, passkey []byte) (Listener, error) {
	cert, err := newCertificate(host)
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ql, err := listenQUIC(host, port, passkey, cert)
	if err != nil {
		return nil, err
	}

	// UDP and TCP port spaces are separate.
	tl, err := listenTCP(host, ql.Port())
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:   ql,
		tcp:    tl,
		port:   ql.Port(),
		connCh: make(chan acceptRes, 4),
		cancel: cancel,
	}

	go dl.acceptLoop(ctx, ql)
	go dl.acceptLoop(ctx, tl)

	return dl, nil
}

// acceptLoop forwards connections from one listener. Failed handshakes are
// forwarded as errors and the loop continues; it stops when the listener
// is closed.
func (dl *dualListener) acceptLoop(ctx context.Context, ln Listener) {
	for {
		conn, err := ln.Accept(ctx)
		select {
		case dl.connCh <- acceptRes{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil && (ctx.Err() != nil || ListenerClosed(err)) {
			return
		}
	}
}

// ListenerClosed reports whether err means a listener was shut down.
func ListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, quic.ErrServerClosed)
}

// Accept returns the next connection from either transport.
func (dl *dualListener) Accept(ctx context.Context) (ServerConn, error) {
	select {
	case res := <-dl.connCh:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tcpErr := dl.tcp.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tcpErr
}
