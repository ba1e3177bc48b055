package traceroute

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

// loopbackPair returns a connected pair of *net.TCPConn over localhost,
// needed because tcpTTL manipulates IP_TTL through the real syscall fd.
func loopbackPair(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptErr := make(chan error, 1)
	var srv net.Conn
	go func() {
		c, err := ln.Accept()
		srv = c
		acceptErr <- err
	}()

	cli, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, <-acceptErr)

	return cli.(*net.TCPConn), srv.(*net.TCPConn)
}

// buildTimeExceeded serializes a synthetic ICMP Time Exceeded datagram
// whose embedded original packet targets (dstIP, dstPort), the shape
// decodeTimeExceeded expects per spec.md §4.D.3.c.
func buildTimeExceeded(t *testing.T, dstIP net.IP, dstPort int) []byte {
	t.Helper()
	innerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 100),
		DstIP:    dstIP.To4(),
		TTL:      1,
	}
	innerTCP := &layers.TCP{
		SrcPort: layers.TCPPort(12345),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
	}
	innerBuf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(innerBuf, gopacket.SerializeOptions{FixLengths: true},
		innerIP, innerTCP))

	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, 0),
	}
	outerIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(127, 0, 0, 1),
		TTL:      64,
	}
	outerBuf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(outerBuf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		outerIP, icmp, gopacket.Payload(innerBuf.Bytes())))
	return outerBuf.Bytes()
}

// fakeICMPConn replays a scripted sequence of (datagram, error) responses.
type fakeICMPConn struct {
	recvs [][]byte
	errs  []error
	i     int
}

func (f *fakeICMPConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeICMPConn) Recv(buf []byte) (int, net.IP, error) {
	if f.i >= len(f.recvs) {
		return 0, nil, os.ErrDeadlineExceeded
	}
	data, err := f.recvs[f.i], f.errs[f.i]
	f.i++
	if err != nil {
		return 0, nil, err
	}
	n := copy(buf, data)
	return n, net.IPv4(10, 0, 0, byte(f.i)), nil
}

func (f *fakeICMPConn) Close() error { return nil }

type staticPayload struct{}

func (staticPayload) Next(n int) []byte { return make([]byte, n) }

func TestProber_RecordsMatchingHopAndStopsAtStopSet(t *testing.T) {
	t.Parallel()
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	peerAddr := client.RemoteAddr().(*net.TCPAddr)

	fake := &fakeICMPConn{
		recvs: [][]byte{
			buildTimeExceeded(t, peerAddr.IP, peerAddr.Port),
			buildTimeExceeded(t, peerAddr.IP, peerAddr.Port),
			buildTimeExceeded(t, peerAddr.IP, peerAddr.Port),
		},
		errs: []error{nil, nil, nil},
	}

	prober := &Prober{Conn: client, ICMP: fake, Clock: clockwork.NewFakeClock()}

	var hops resultmodel.HopMap
	stopSet := map[string]bool{"10.0.0.3": true}

	// Drain what the peer writes so probe Write calls don't block on a full buffer.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	offset, err := prober.Run(staticPayload{}, &hops, stopSet)
	require.NoError(t, err)
	require.Equal(t, 3, hops.Len())
	addr, ok := hops.Get(3)
	require.True(t, ok)
	require.Equal(t, "10.0.0.3", addr)
	require.Equal(t, 3*100, offset)
}

func TestProber_RecordsMissOnTimeout(t *testing.T) {
	t.Parallel()
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	fake := &fakeICMPConn{} // every Recv returns ErrDeadlineExceeded immediately

	prober := &Prober{Conn: client, ICMP: fake, Clock: clockwork.NewFakeClock()}

	var hops resultmodel.HopMap
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	_, err := prober.Run(staticPayload{}, &hops, nil)
	require.NoError(t, err)
	// All-miss run halts once 4 consecutive misses accrue past hop 20
	// (spec.md §4.D.3.e): hops 21..24 push not_responding to 4, so the
	// loop stops after hop 24 rather than running the full 30.
	require.Equal(t, 24, hops.Len())
	for hop := 1; hop <= 24; hop++ {
		addr, ok := hops.Get(hop)
		require.True(t, ok)
		require.Equal(t, "*", addr)
	}
}
