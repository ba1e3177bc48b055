//go:build linux

// Package traceroute implements the in-band TTL-limited traceroute engine
// described in spec.md §4.D: it reuses a live TCP data connection to carry
// the probes and correlates replies on a privileged raw ICMP socket.
package traceroute

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// RawICMPConn is the narrow raw-ICMP-socket contract the hop loop needs.
// Production code backs it with rawICMPConn; tests back it with a fake
// that replays synthetic datagrams, per spec.md §9's "mock transport" note.
type RawICMPConn interface {
	// SetReadDeadline bounds the next Recv call.
	SetReadDeadline(t time.Time) error
	// Recv reads one inbound datagram (IPv4 header + ICMP payload) and its
	// source address.
	Recv(buf []byte) (n int, from net.IP, err error)
	Close() error
}

// rawICMPConn wraps an AF_INET/SOCK_RAW/IPPROTO_ICMP socket, grounded on
// the socket lifecycle in tools/uping's sender/listener: plain
// unix.Socket + unix.Recvfrom, no HDRINCL since we only read replies here.
type rawICMPConn struct {
	fd int
}

// NewRawICMPConn opens a raw ICMP socket, optionally pinned to iface (an
// interface name) when the caller has no other way to select a source
// route, mirroring uping.NewSender's SO_BINDTODEVICE fallback.
func NewRawICMPConn(iface string) (RawICMPConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("traceroute: open raw ICMP socket: %w", err)
	}
	if iface != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("traceroute: bind-to-device %q: %w", iface, err)
		}
	}
	return &rawICMPConn{fd: fd}, nil
}

func (c *rawICMPConn) SetReadDeadline(t time.Time) error {
	var tv unix.Timeval
	if !t.IsZero() {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		tv = unix.NsecToTimeval(d.Nanoseconds())
	}
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func (c *rawICMPConn) Recv(buf []byte) (int, net.IP, error) {
	n, from, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	sa4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return n, nil, fmt.Errorf("traceroute: unexpected sockaddr type %T", from)
	}
	return n, net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3]), nil
}

func (c *rawICMPConn) Close() error { return unix.Close(c.fd) }

// tcpTTL reads and sets IP_TTL on a TCP connection's underlying file
// descriptor. Go's net package exposes no portable IP_TTL accessor, so
// this reaches into the raw fd the same way uping's sender sets
// IPPROTO_IP/IP_TTL on its raw socket.
type tcpTTL struct {
	conn *net.TCPConn
}

func (t *tcpTTL) get() (int, error) {
	var ttl int
	var sysErr error
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	err = raw.Control(func(fd uintptr) {
		ttl, sysErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL)
	})
	if err != nil {
		return 0, err
	}
	return ttl, sysErr
}

func (t *tcpTTL) set(ttl int) error {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return err
	}
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
	})
	if err != nil {
		return err
	}
	return sysErr
}

// peerTuple reads the remote (IP, port) of conn, used to correlate ICMP
// Time Exceeded replies back to this flow (spec.md §4.D.3.c).
func peerTuple(conn *net.TCPConn) (net.IP, int, error) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, 0, fmt.Errorf("traceroute: remote addr is not TCP: %T", conn.RemoteAddr())
	}
	return addr.IP, addr.Port, nil
}
