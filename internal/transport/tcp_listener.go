package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// tcpListener accepts plain TCP clients on the image-source side.
type tcpListener struct {
	ln   net.Listener
	port int
}

// ListenTCP listens on host:port. Port 0 picks a free port.
func ListenTCP(host string, port int) (Listener, error) {
	return listenTCP(host, port)
}

func listenTCP(host string, port int) (*tcpListener, error) {
	ln, err := net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return &tcpListener{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for the next client.
func (l *tcpListener) Accept(ctx context.Context) (ServerConn, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		return &tcpServerConn{Conn: res.conn}, nil
	case <-ctx.Done():
		// The goroutine unblocks when the caller closes the listener. A
		// connection accepted in the meantime is dropped.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the TCP listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}
