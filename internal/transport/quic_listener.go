package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rpsota/rpsota/internal/auth"
	"github.com/rpsota/rpsota/internal/protocol"
)

// closeGrace is how long an accepted QUIC connection waits for the client
// to hang up before closing. Closing at once would discard frames still in
// flight.
const closeGrace = 2 * time.Second

// quicListener accepts authenticated QUIC clients on the image-source side.
type quicListener struct {
	tr      *quic.Transport
	udp     *net.UDPConn
	ln      *quic.Listener
	port    int
	passkey []byte
}

// ListenQUIC listens for QUIC clients on host:port with a fresh self-signed
// certificate. Port 0 picks a free port.
func ListenQUIC(host string, port int, passkey []byte) (Listener, error) {
	cert, err := newCertificate(host)
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	return listenQUIC(host, port, passkey, cert)
}

func listenQUIC(host string, port int, passkey []byte, cert tls.Certificate) (*quicListener, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(serverTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:      tr,
		udp:     udpConn,
		ln:      ln,
		port:    udpConn.LocalAddr().(*net.UDPAddr).Port,
		passkey: passkey,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

// Accept waits for a client and verifies its passkey.
func (l *quicListener) Accept(ctx context.Context) (ServerConn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	str, err := l.authenticate(ctx, qconn)
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		return nil, err
	}
	return &quicServerConn{qconn: qconn, str: str}, nil
}

func (l *quicListener) authenticate(ctx context.Context, qconn *quic.Conn) (*quic.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	str, err := qconn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}

	str.SetReadDeadline(time.Now().Add(authTimeout))
	req, err := protocol.ReadFrame(str)
	str.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read auth request: %w", err)
	}
	if req.Kind != protocol.KindAuth || req.Len() != auth.TokenSize {
		return nil, fmt.Errorf("expected auth request, got %s frame of %d bytes", req.Kind, req.Len())
	}

	var token [auth.TokenSize]byte
	copy(token[:], req.Payload)
	ok, err := auth.VerifySession(qconn.ConnectionState().TLS, l.passkey, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		protocol.WriteFrame(str, protocol.Frame{Kind: protocol.KindAuth, Payload: []byte{byte(protocol.AuthFailed)}})
		return nil, fmt.Errorf("%w: invalid passkey from %s", ErrAuth, qconn.RemoteAddr())
	}

	if err := protocol.WriteFrame(str, protocol.Frame{Kind: protocol.KindAuth, Payload: []byte{byte(protocol.AuthOK)}}); err != nil {
		return nil, fmt.Errorf("write auth response: %w", err)
	}
	return str, nil
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	l.ln.Close()
	err := l.tr.Close()
	l.udp.Close()
	return err
}

// quicServerConn is an accepted, authenticated QUIC client stream.
type quicServerConn struct {
	qconn *quic.Conn
	str   *quic.Stream
}

func (c *quicServerConn) Read(p []byte) (int, error)  { return c.str.Read(p) }
func (c *quicServerConn) Write(p []byte) (int, error) { return c.str.Write(p) }

func (c *quicServerConn) SetReadDeadline(t time.Time) error { return c.str.SetReadDeadline(t) }

func (c *quicServerConn) RemoteAddr() net.Addr { return c.qconn.RemoteAddr() }

func (c *quicServerConn) Mode() Mode { return ModeQUIC }

// Close finishes the stream and gives the client closeGrace to read what
// is left and hang up before the connection is torn down.
func (c *quicServerConn) Close() error {
	c.str.Close()
	select {
	case <-c.qconn.Context().Done():
	case <-time.After(closeGrace):
	}
	return c.qconn.CloseWithError(0, "closed")
}

// ConnectionStats returns QUIC-level connection statistics.
func (c *quicServerConn) ConnectionStats() quic.ConnectionStats {
	return c.qconn.ConnectionStats()
}
