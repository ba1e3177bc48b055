package traceroute

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

// PayloadSource hands the hop loop successive byte slices drawn from a
// flow's response pool, per spec.md §4.D.2's "3000-byte payload from the
// flow's response generator".
type PayloadSource interface {
	Next(n int) []byte
}

// Prober runs the 30-hop in-band traceroute of spec.md §4.D over one TCP
// data connection, correlating replies on a raw ICMP socket.
type Prober struct {
	Conn  *net.TCPConn
	ICMP  RawICMPConn
	Clock clockwork.Clock
}

// NewProber returns a Prober with a real wall clock.
func NewProber(conn *net.TCPConn, icmp RawICMPConn) *Prober {
	return &Prober{Conn: conn, ICMP: icmp, Clock: clockwork.NewRealClock()}
}

// Run executes the hop loop and returns the byte offset into payload that
// was consumed, so the caller (the BT/CT flow) can drain the remainder and
// send its own flow-terminator frame, exactly as neutmon/test.py's
// uplink_traceroute does after returning from the hop loop.
func (p *Prober) Run(payload PayloadSource, hops *resultmodel.HopMap, stopSet map[string]bool) (offset int, err error) {
	ttl := &tcpTTL{conn: p.Conn}
	savedTTL, err := ttl.get()
	if err != nil {
		return 0, fmt.Errorf("traceroute: read current IP_TTL: %w", err)
	}
	peerIP, peerPort, err := peerTuple(p.Conn)
	if err != nil {
		return 0, err
	}

	notResponding := 0
	buf := make([]byte, 512)

	for hop := 1; hop <= neutconfig.MaxHops; hop++ {
		probe := payload.Next(neutconfig.TracerouteProbeSize)

		if err := ttl.set(hop); err != nil {
			return offset, fmt.Errorf("traceroute: set IP_TTL=%d: %w", hop, err)
		}
		if _, err := p.Conn.Write(probe); err != nil {
			_ = ttl.set(savedTTL)
			return offset, fmt.Errorf("traceroute: send hop %d probe: %w", hop, err)
		}
		if err := ttl.set(savedTTL); err != nil {
			return offset, fmt.Errorf("traceroute: restore IP_TTL: %w", err)
		}
		offset = hop * neutconfig.TracerouteProbeSize

		addr, matched := p.awaitReply(buf, peerIP, peerPort)

		if matched != "" {
			if hop == hops.Len()+1 {
				hops.Set(hop, addr)
				notResponding = 0
			}
		} else {
			if hop == hops.Len()+1 {
				hops.Set(hop, "*")
				if hop > neutconfig.TracerouteStopAfterHop {
					notResponding++
				}
			}
		}

		if recorded, ok := hops.Get(hop); ok && stopSet[recorded] {
			break
		}
		if notResponding > neutconfig.TracerouteMaxMisses {
			break
		}
	}

	return offset, nil
}

// awaitReply polls the ICMP socket for up to neutconfig.ICMPRecvTimeout,
// returning the source address of a matching Time Exceeded reply, or ""
// if the deadline elapsed with no match. matched mirrors addr for
// readability at the call site.
func (p *Prober) awaitReply(buf []byte, peerIP net.IP, peerPort int) (addr string, matched string) {
	deadline := p.Clock.Now().Add(neutconfig.ICMPRecvTimeout)
	for {
		remaining := deadline.Sub(p.Clock.Now())
		if remaining <= 0 {
			return "", ""
		}
		if err := p.ICMP.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return "", ""
		}
		n, from, err := p.ICMP.Recv(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return "", ""
			}
			continue
		}
		m, ok := decodeTimeExceeded(buf[:n])
		if !ok {
			continue
		}
		if m.origDstIP.Equal(peerIP) && m.origDstPort == peerPort {
			src := from.String()
			return src, src
		}
	}
}
