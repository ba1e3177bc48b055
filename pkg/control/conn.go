// Package control implements the framed control channel described in
// spec.md §4.A: a length-prefixed message protocol carrying the phase
// sequencing commands and client replies over a single TCP socket.
package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
)

// Conn wraps a net.Conn bound to one Role, enforcing the role discipline of
// spec.md §4.A ("a peer that receives a message outside its role set must
// fail with an InvalidRole error").
type Conn struct {
	nc   net.Conn
	role Role
}

// NewConn binds an established net.Conn to role for control-channel framing.
func NewConn(nc net.Conn, role Role) *Conn {
	return &Conn{nc: nc, role: role}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Underlying returns the wrapped net.Conn, e.g. to set deadlines.
func (c *Conn) Underlying() net.Conn { return c.nc }

// ErrInvalidRole is returned when a message is sent or received outside its
// permitted role, per spec.md §4.A.
type ErrInvalidRole struct {
	Op   Op
	Role Role
}

func (e *ErrInvalidRole) Error() string {
	return fmt.Sprintf("control: op %s not permitted for role %d", e.Op, e.Role)
}

// ErrInvalidPort is returned when a START_* payload names a port outside
// the allowed set, per spec.md §4.A.
type ErrInvalidPort struct{ Port int }

func (e *ErrInvalidPort) Error() string {
	return fmt.Sprintf("control: port %d is not a valid phase port", e.Port)
}

// Send writes one framed message: U32_be(len(op)+len(extra)) || U32_be(op) ||
// extra, using a strict send-all loop.
func (c *Conn) Send(op Op, extra []byte) error {
	if !op.Valid() {
		return fmt.Errorf("control: invalid op %d", uint32(op))
	}
	if c.role == RoleServer && !op.IsServerOnly() {
		return &ErrInvalidRole{Op: op, Role: c.role}
	}
	if c.role == RoleClient && !op.IsClientOnly() {
		return &ErrInvalidRole{Op: op, Role: c.role}
	}

	length := uint32(4 + len(extra))
	buf := make([]byte, 8+len(extra))
	binary.BigEndian.PutUint32(buf[0:4], length)
	binary.BigEndian.PutUint32(buf[4:8], uint32(op))
	copy(buf[8:], extra)

	return sendAll(c.nc, buf)
}

// Recv reads one framed message and validates it against c's role and, for
// START_* messages, the allowed port set.
func (c *Conn) Recv() (Op, []byte, error) {
	var hdr [8]byte
	if err := recvAll(c.nc, hdr[:4]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length < 4 {
		return 0, nil, fmt.Errorf("control: message length %d is smaller than the op header", length)
	}
	if err := recvAll(c.nc, hdr[4:8]); err != nil {
		return 0, nil, err
	}
	op := Op(binary.BigEndian.Uint32(hdr[4:8]))
	if !op.Valid() {
		return 0, nil, fmt.Errorf("control: invalid op %d", uint32(op))
	}

	var extra []byte
	if payloadLen := length - 4; payloadLen > 0 {
		extra = make([]byte, payloadLen)
		if err := recvAll(c.nc, extra); err != nil {
			return 0, nil, err
		}
	}

	// Role discipline: a peer only ever *receives* messages sent by its peer,
	// i.e. the opposite role's message set.
	wantClientOnly := c.role == RoleServer
	if wantClientOnly && !op.IsClientOnly() {
		return 0, nil, &ErrInvalidRole{Op: op, Role: c.role}
	}
	if !wantClientOnly && !op.IsServerOnly() {
		return 0, nil, &ErrInvalidRole{Op: op, Role: c.role}
	}

	if op.IsStart() {
		port, err := ParsePort(extra)
		if err != nil {
			return 0, nil, err
		}
		if !neutconfig.AllowedDataPorts[port] {
			return 0, nil, &ErrInvalidPort{Port: port}
		}
	}

	return op, extra, nil
}

// sendAll drains w with repeated Write calls, per spec.md §4.A's "send-all"
// discipline: partial writes must be resumed, not treated as complete.
func sendAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}

// recvAll drains r with repeated Read calls until buf is full, per
// spec.md §4.A's "recv-all" discipline.
func recvAll(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
