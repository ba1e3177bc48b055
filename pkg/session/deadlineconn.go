package session

import (
	"net"
	"time"
)

// deadlineConn renews a fixed read/write deadline on the wrapped
// connection before every Read/Write call, the Go analogue of Python's
// socket.settimeout(30) applying to every subsequent blocking call on the
// control socket (spec.md §5's "control-socket recv (30 s)").
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func newDeadlineConn(c net.Conn, timeout time.Duration) *deadlineConn {
	return &deadlineConn{Conn: c, timeout: timeout}
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
