package flow

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

// Flow is the shared contract BT and CT implement, per spec.md §4.C: the
// same four operations drive either wire format over a live TCP data
// connection.
type Flow interface {
	// UplinkSend runs the "seeder" side of the exchange: it answers piece
	// requests with data for duration, then sends the terminating choke.
	// It does not populate intervals (spec.md §4.C.3 — throughput is
	// measured on the receiver).
	UplinkSend(conn net.Conn, duration time.Duration) error

	// DownlinkRecv runs the "leecher" side: it issues request batches and
	// records every received chunk's arrival time and size into intervals
	// until the terminating choke is observed.
	DownlinkRecv(conn net.Conn, intervals *resultmodel.TimestampMap) error

	// UplinkTraceroute runs the in-band hop probe on conn from the seeder
	// side, after UplinkSend's bulk phase on the same connection, using
	// icmp for replies.
	UplinkTraceroute(conn *net.TCPConn, icmp traceroute.RawICMPConn, hops *resultmodel.HopMap, stopSet map[string]bool) error

	// DownlinkTraceroute runs the leecher-side protocol continuation for
	// the traceroute phase: it has no raw-socket involvement, it simply
	// keeps the wire protocol consistent while the peer probes.
	DownlinkTraceroute(conn net.Conn) error
}

// clock is package-level and overridable in tests, mirroring the
// clockwork.Clock injection pattern used across pkg/session (grounded on
// telemetry/global-monitor/internal/gm/targets.go's `Clock clockwork.Clock`
// field).
var clock clockwork.Clock = clockwork.NewRealClock()

// dataRecvTimeout mirrors neutconfig.DataRecvTimeout but is overridable in
// tests, which need the choke-detection timeout (spec.md §4.C.3) to elapse
// in milliseconds rather than the real 5 s.
var dataRecvTimeout = neutconfig.DataRecvTimeout

// SetDataRecvTimeoutForTests overrides the choke-detection recv timeout
// for the duration of a cross-package integration test (e.g.
// pkg/session's phase tests, which exercise BT/CT through a real
// Controller rather than calling DownlinkRecv directly) and returns a
// func that restores the previous value.
func SetDataRecvTimeoutForTests(d time.Duration) (restore func()) {
	prev := dataRecvTimeout
	dataRecvTimeout = d
	return func() { dataRecvTimeout = prev }
}

func sendAll(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
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

// recvExact reads exactly n bytes from conn, the framing discipline used
// for the handshake/choke/unchoke/interested control frames that have no
// intervals bookkeeping, per neumon/test.py's receive_from_socket called
// with intervals=None.
func recvExact(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// isTimeout reports whether err is a net.Error timeout, the Go analogue
// of Python's socket.timeout.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// recvBatch reads up to target bytes from conn, recording each individual
// Read's size into intervals (when non-nil) as it arrives, per spec.md
// §4.C.3: "for every successful recv store intervals[now()] = len(bytes)".
// It mirrors neutmon/test.py's receive_from_socket: a recv timeout is only
// swallowed (and treated as the choke boundary) when intervals tracking is
// active and exactly 5 bytes have been collected so far.
func recvBatch(conn net.Conn, target int, intervals *resultmodel.TimestampMap) ([]byte, error) {
	rec := make([]byte, 0, target)
	remaining := target
	buf := make([]byte, target)
	for remaining > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(dataRecvTimeout))
		n, err := conn.Read(buf[:remaining])
		if err != nil {
			if isTimeout(err) && intervals != nil && len(rec) == 5 {
				return rec, nil
			}
			return rec, err
		}
		if n == 0 {
			return rec, io.ErrUnexpectedEOF
		}
		if intervals != nil {
			intervals.Append(nowSeconds(), int64(n))
		}
		rec = append(rec, buf[:n]...)
		remaining -= n
	}
	return rec, nil
}

func nowSeconds() float64 {
	return float64(clock.Now().UnixNano()) / 1e9
}
