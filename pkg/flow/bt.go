package flow

import (
	"encoding/binary"
	"encoding/hex"
	"net"
	"time"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

// Fixed 68-byte BT handshakes: "\x13BitTorrent protocol" + 8 reserved
// zero bytes + a fixed 20-byte info-hash + a direction-specific 20-byte
// peer-id, bit-exact with the handshake the BT flow must present to
// trigger payload-signature classifiers (spec.md §4.C.1).
var (
	btHandshakeUplink, _ = hex.DecodeString(
		"13426974546f7272656e742070726f746f636f6c000000000000000031420a403f2ea" +
			"41c67aca80b46e956389a7f17b62d5452323832302d36333065666467316a677937")
	btHandshakeDownlink, _ = hex.DecodeString(
		"13426974546f7272656e742070726f746f636f6c000000000000000031420a403f2ea" +
			"41c67aca80b46e956389a7f17b62d5452323832302d676b36317669687a6d623033")
)

var (
	btUnchoke    = []byte{0x00, 0x00, 0x00, 0x01, 0x01}
	btInterested = []byte{0x00, 0x00, 0x00, 0x01, 0x02}
	btChoke      = []byte{0x00, 0x00, 0x00, 0x01, 0x00}
)

// BT is the wire-identifiable BitTorrent-style flow, grounded on
// neutmon/test.py's TCPBTTest.
type BT struct {
	blocks *bytePool // 16 KiB x 1000 precomputed piece payload
}

// NewBT allocates a fresh BT flow with its precomputed block pool.
func NewBT() *BT {
	return &BT{blocks: newBytePool(neutconfig.BlockLength * neutconfig.BTRequestPoolBlocks)}
}

// buildRequestBatch packs NumberOfRequests 17-byte request records
// starting at (index, offset), advancing offset by BlockLength and
// wrapping to 0 (incrementing index) at PieceDimension, per spec.md
// §4.C.1's request framing.
func buildRequestBatch(index, offset uint32) (next uint32, nextOffset uint32, batch []byte) {
	batch = make([]byte, 0, neutconfig.RequestRecordSize*neutconfig.NumberOfRequests)
	for i := 0; i < neutconfig.NumberOfRequests; i++ {
		rec := make([]byte, neutconfig.RequestRecordSize)
		binary.BigEndian.PutUint32(rec[0:4], 13)
		rec[4] = 0x06
		binary.BigEndian.PutUint32(rec[5:9], index)
		binary.BigEndian.PutUint32(rec[9:13], offset)
		binary.BigEndian.PutUint32(rec[13:17], neutconfig.BlockLength)
		batch = append(batch, rec...)

		offset += neutconfig.BlockLength
		if offset == neutconfig.PieceDimension {
			offset = 0
			index++
		}
	}
	return index, offset, batch
}

// buildResponseBatch answers a raw request batch with one piece message
// per request record, echoing each record's (index, offset) and filling
// the block from the pool, per spec.md §4.C.1's piece framing.
func (f *BT) buildResponseBatch(requests []byte) []byte {
	n := len(requests) / neutconfig.RequestRecordSize
	out := make([]byte, 0, n*(13+neutconfig.BlockLength))
	msgLen := uint32(neutconfig.PieceHeaderSize + neutconfig.BlockLength)
	for i := 0; i < n; i++ {
		rec := requests[i*neutconfig.RequestRecordSize : (i+1)*neutconfig.RequestRecordSize]
		index := rec[5:9]
		offset := rec[9:13]

		hdr := make([]byte, 5)
		binary.BigEndian.PutUint32(hdr[0:4], msgLen)
		hdr[4] = 0x07

		out = append(out, hdr...)
		out = append(out, index...)
		out = append(out, offset...)
		out = append(out, f.blocks.next(neutconfig.BlockLength)...)
	}
	return out
}

func (f *BT) UplinkSend(conn net.Conn, duration time.Duration) error {
	if _, err := recvExact(conn, neutconfig.HandshakeSize); err != nil {
		return err
	}
	if err := sendAll(conn, btHandshakeUplink); err != nil {
		return err
	}
	if err := sendAll(conn, btUnchoke); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}

	requestBatchBytes := neutconfig.RequestRecordSize * neutconfig.NumberOfRequests
	deadline := clock.Now().Add(duration)
	for clock.Now().Before(deadline) {
		requests, err := recvExact(conn, requestBatchBytes)
		if err != nil {
			return err
		}
		if err := sendAll(conn, f.buildResponseBatch(requests)); err != nil {
			return err
		}
	}
	return sendAll(conn, btChoke)
}

func (f *BT) DownlinkRecv(conn net.Conn, intervals *resultmodel.TimestampMap) error {
	if err := sendAll(conn, btHandshakeDownlink); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.HandshakeSize); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}
	if err := sendAll(conn, btInterested); err != nil {
		return err
	}

	intervals.Append(nowSeconds(), 0)
	var index, offset uint32
	// Piece message size: 4 (len) + 1 (type) + 4 (index) + 4 (offset) + block.
	target := (13 + neutconfig.BlockLength) * neutconfig.NumberOfRequests

	for {
		var batch []byte
		index, offset, batch = buildRequestBatch(index, offset)
		if err := sendAll(conn, batch); err != nil {
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

func (f *BT) UplinkTraceroute(conn *net.TCPConn, icmp traceroute.RawICMPConn, hops *resultmodel.HopMap, stopSet map[string]bool) error {
	if err := sendAll(conn, btUnchoke); err != nil {
		return err
	}
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}
	requestBatchBytes := neutconfig.RequestRecordSize * neutconfig.NumberOfRequests
	requests, err := recvExact(conn, requestBatchBytes)
	if err != nil {
		return err
	}
	response := f.buildResponseBatch(requests)

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
	return sendAll(conn, btChoke)
}

func (f *BT) DownlinkTraceroute(conn net.Conn) error {
	if _, err := recvExact(conn, neutconfig.ChokeUnchokeSize); err != nil {
		return err
	}
	if err := sendAll(conn, btInterested); err != nil {
		return err
	}
	_, _, requests := buildRequestBatch(0, 0)
	if err := sendAll(conn, requests); err != nil {
		return err
	}
	target := (13 + neutconfig.BlockLength) * neutconfig.NumberOfRequests
	if _, err := recvExact(conn, target); err != nil {
		return err
	}
	_, err := recvExact(conn, neutconfig.ChokeUnchokeSize)
	return err
}
