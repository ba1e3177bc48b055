package flow

import (
	"math/rand"
	"net"
	"time"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

// CT is the wire-unidentifiable flow: structurally identical framing to
// BT (same message sizes and counts) but every byte is uniformly random,
// including the handshake, so no payload signature can distinguish it
// from noise (spec.md §4.C.2). Grounded on neutmon/test.py's
// TCPRandomTest.
type CT struct {
	requests  *bytePool // RequestRecordSize*NumberOfRequests*CTRequestPoolMul
	responses *bytePool // (13+BlockLength)*CTResponsePoolMul
}

// NewCT allocates a fresh CT flow with its precomputed request/response
// pools, sized per spec.md §4.C.2.
func NewCT() *CT {
	pieceSize := 13 + neutconfig.BlockLength // wire-identical to BT's piece message size
	return &CT{
		requests:  newBytePool(neutconfig.RequestRecordSize * neutconfig.NumberOfRequests * neutconfig.CTRequestPoolMul),
		responses: newBytePool(pieceSize * neutconfig.CTResponsePoolMul),
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func (f *CT) buildRequestBatch() []byte {
	return f.requests.next(neutconfig.RequestRecordSize * neutconfig.NumberOfRequests)
}

func (f *CT) buildResponseBatch() []byte {
	pieceSize := 13 + neutconfig.BlockLength
	out := make([]byte, 0, pieceSize*neutconfig.NumberOfRequests)
	for i := 0; i < neutconfig.NumberOfRequests; i++ {
		out = append(out, f.responses.next(pieceSize)...)
	}
	return out
}

func (f *CT) UplinkSend(conn net.Conn, duration time.Duration) error {
	if _, err := recvExact(conn, neutconfig.HandshakeSize); err != nil {
		return err
	}
	if err := sendAll(conn, randomBytes(neutconfig.HandshakeSize)); err != nil {
		return err
	}
	if err := sendAll(conn, randomBytes(neutconfig.ChokeUnchokeSize)); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}

	requestBatchBytes := neutconfig.RequestRecordSize * neutconfig.NumberOfRequests
	deadline := clock.Now().Add(duration)
	for clock.Now().Before(deadline) {
		if _, err := recvExact(conn, requestBatchBytes); err != nil {
			return err
		}
		if err := sendAll(conn, f.buildResponseBatch()); err != nil {
			return err
		}
	}
	return sendAll(conn, randomBytes(neutconfig.ChokeUnchokeSize))
}

func (f *CT) DownlinkRecv(conn net.Conn, intervals *resultmodel.TimestampMap) error {
	if err := sendAll(conn, randomBytes(neutconfig.HandshakeSize)); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.HandshakeSize); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}
	if err := sendAll(conn, randomBytes(neutconfig.ChokeUnchokeSize)); err != nil {
		return err
	}

	intervals.Append(nowSeconds(), 0)
	pieceSize := 13 + neutconfig.BlockLength
	target := pieceSize * neutconfig.NumberOfRequests
	for {
		if err := sendAll(conn, f.buildRequestBatch()); err != nil {
			return err
		}
		rec, err := recvBatch(conn, target, intervals)
		if err != nil {
			return err
		}
		if len(rec) == 5 {
			return nil
		}
	}
}

func (f *CT) UplinkTraceroute(conn *net.TCPConn, icmp traceroute.RawICMPConn, hops *resultmodel.HopMap, stopSet map[string]bool) error {
	if err := sendAll(conn, randomBytes(neutconfig.ChokeUnchokeSize)); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}
	requestBatchBytes := neutconfig.RequestRecordSize * neutconfig.NumberOfRequests
	if _, err := recvExact(conn, requestBatchBytes); err != nil {
		return err
	}
	response := f.buildResponseBatch()

	prober := traceroute.NewProber(conn, icmp)
	offset, err := prober.Run(newSliceSource(response), hops, stopSet)
	if err != nil {
		return err
	}
	if offset < len(response) {
		if err := sendAll(conn, response[offset:]); err != nil {
			return err
		}
	}
	return sendAll(conn, randomBytes(neutconfig.ChokeUnchokeSize))
}

func (f *CT) DownlinkTraceroute(conn net.Conn) error {
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}
	if err := sendAll(conn, randomBytes(neutconfig.ChokeUnchokeSize)); err != nil {
		return err
	}
	if err := sendAll(conn, f.buildRequestBatch()); err != nil {
		return err
	}
	pieceSize := 13 + neutconfig.BlockLength
	if _, err := recvExact(conn, pieceSize*neutconfig.NumberOfRequests); err != nil {
		return err
	}
	_, err := recvExact(conn, neutconfig.ChokeUnchokeSize)
	return err
}
