package transport

import "net"

// tcpServerConn is an accepted TCP client.
type tcpServerConn struct {
	net.Conn
}

func (c *tcpServerConn) Mode() Mode { return ModeTCP }
