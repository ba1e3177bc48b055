// Package neutconfig holds the fixed ports, timeouts, and sizes that every
// other package in NeutMon shares. None of these are configurable at
// runtime beyond what spec.md §4/§5 allows.
package neutconfig

import "time"

// Fixed TCP ports. The control channel always listens on ControlPort; data
// connections use one of the BT/alt-BT/TT ports depending on phase and
// fallback state.
const (
	ControlPort = 10000
	BTPort      = 6881
	AltBTPort   = 53674
	TTPort      = 54894

	// HTTPRefPort is the port used for the optional reference HTTP
	// measurement described in spec.md §4.F.
	HTTPRefPort = 80
)

// AllowedDataPorts is the closed set of ports a START_* payload may name.
var AllowedDataPorts = map[int]bool{
	BTPort:    true,
	BTPort + 1: true, // reserved per spec.md §4.A payload validation
	AltBTPort: true,
	TTPort:    true,
}

// Timeouts, all explicit and not configurable beyond these constants, per
// spec.md §5.
const (
	ControlRecvTimeout  = 30 * time.Second
	DataAcceptTimeout   = 5 * time.Second
	DataRecvTimeout     = 5 * time.Second
	ICMPRecvTimeout     = 2 * time.Second
	PostUplinkSleep     = 10 * time.Second
	BacklogQueueSize    = 5
)

// BT/CT/TT wire-format constants, per spec.md §4.C.
const (
	HandshakeSize      = 68
	ChokeUnchokeSize    = 5
	NumberOfRequests    = 80
	RequestRecordSize   = 17
	BlockLength         = 0x4000
	PieceDimension      = 0x20000
	PieceHeaderSize     = 9 // type(1) + index(4) + offset(4)
	BTRequestPoolBlocks = 1000
	CTRequestPoolMul    = 100
	CTResponsePoolMul   = 1000

	DefaultTestDuration = 10 * time.Second
)

// Traceroute constants, per spec.md §4.D.
const (
	MaxHops              = 30
	TracerouteProbeSize  = 100
	TraceroutePrepSize   = 3000
	TracerouteStopAfterHop = 20
	TracerouteMaxMisses  = 3
)
