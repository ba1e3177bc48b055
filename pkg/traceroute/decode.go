package traceroute

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// timeExceededMatch is the decoded correlation key embedded in an ICMP
// Time Exceeded reply: the original packet's destination IP and
// destination TCP port, used to match the reply back to our flow
// (spec.md §4.D.3.c).
type timeExceededMatch struct {
	origDstIP   net.IP
	origDstPort int
}

// decodeTimeExceeded parses a raw IPv4 datagram received on the raw ICMP
// socket. It returns ok=false for anything that isn't an ICMP Time
// Exceeded carrying an embedded IPv4+TCP header, mirroring the
// `ICMP in icmp_packet and icmp_packet[ICMP].type == 11` check in
// neutmon/test.py's uplink_traceroute.
//
// Unlike the teacher's single-level sFlow decode in decode.go, this walks
// a second, nested IPv4+TCP header carried inside the ICMP payload — the
// original datagram that triggered the Time Exceeded.
func decodeTimeExceeded(raw []byte) (timeExceededMatch, bool) {
	outer := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)

	icmpLayer := outer.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return timeExceededMatch{}, false
	}
	icmp, ok := icmpLayer.(*layers.ICMPv4)
	if !ok || icmp.TypeCode.Type() != layers.ICMPv4TypeTimeExceeded {
		return timeExceededMatch{}, false
	}

	inner := gopacket.NewPacket(icmp.Payload, layers.LayerTypeIPv4, gopacket.NoCopy)
	innerIP, ok := inner.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return timeExceededMatch{}, false
	}
	innerTCP, ok := inner.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return timeExceededMatch{}, false
	}

	return timeExceededMatch{
		origDstIP:   innerIP.DstIP,
		origDstPort: int(innerTCP.DstPort),
	}, true
}
