package h1

import (
	"net"

	"github.com/albertbausili/httpconn/internal/native"
)

// rawConn is a connection handed back to the caller after an upgrade.
type rawConn struct {
	net.Conn
	kind native.ConnKind
}

func newRawConn(nc net.Conn, kind native.ConnKind) *rawConn {
	return &rawConn{Conn: nc, kind: kind}
}

// Name implements resource.Resource.
func (c *rawConn) Name() string {
	switch c.kind {
	case native.ConnTLS:
		return "tlsStream"
	case native.ConnUnix:
		return "unixStream"
	default:
		return "tcpStream"
	}
}
