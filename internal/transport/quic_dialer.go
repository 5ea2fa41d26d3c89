package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rpsota/rpsota/internal/auth"
	"github.com/rpsota/rpsota/internal/protocol"
)

const authTimeout = 5 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		InitialPacketSize: 1200, // fits a 1280-byte tunnel MTU
	}
}

// QUIC is a client transport over one bidirectional QUIC stream.
type QUIC struct {
	stream
	qconn *quic.Conn
}

// DialQUIC connects to an image source's QUIC listener at addr (host:port),
// authenticates with opts.Passkey and opens the request stream.
func DialQUIC(ctx context.Context, addr string, opts DialOptions) (*QUIC, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}
	release := func() error {
		err := tr.Close()
		udpConn.Close()
		return err
	}

	qconn, err := tr.Dial(ctx, udpAddr, clientTLSConfig(), quicConfig())
	if err != nil {
		release()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	str, err := performAuth(ctx, qconn, opts.Passkey)
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		release()
		return nil, err
	}

	q := &QUIC{qconn: qconn}
	q.stream = stream{
		rw:      str,
		timeout: opts.timeout(),
		close: func() error {
			str.Close()
			qconn.CloseWithError(0, "transfer finished")
			return release()
		},
	}
	return q, nil
}

// performAuth opens the request stream and proves the passkey on it. The
// auth frame is the stream's first write, which also announces the stream
// to the listener.
func performAuth(ctx context.Context, qconn *quic.Conn, passkey []byte) (*quic.Stream, error) {
	str, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	token, err := auth.SessionToken(qconn.ConnectionState().TLS, passkey)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(str, protocol.Frame{Kind: protocol.KindAuth, Payload: token[:]}); err != nil {
		return nil, fmt.Errorf("write auth request: %w", err)
	}

	str.SetReadDeadline(time.Now().Add(authTimeout))
	resp, err := protocol.ReadFrame(str)
	str.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	if resp.Kind != protocol.KindAuth || resp.Len() != 1 {
		return nil, fmt.Errorf("expected auth response, got %s frame of %d bytes", resp.Kind, resp.Len())
	}
	if status := protocol.AuthStatus(resp.Payload[0]); status != protocol.AuthOK {
		return nil, fmt.Errorf("%w: status %d", ErrAuth, status)
	}
	return str, nil
}

// ServerFingerprint returns the SHA-256 fingerprint of the certificate the
// image source presented.
func (q *QUIC) ServerFingerprint() string {
	certs := q.qconn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	return CertFingerprint(certs[0].Raw)
}

// ConnectionStats returns QUIC-level connection statistics.
func (q *QUIC) ConnectionStats() quic.ConnectionStats {
	return q.qconn.ConnectionStats()
}
