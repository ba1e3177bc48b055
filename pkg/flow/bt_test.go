package flow

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

func TestBuildRequestBatch_DeterministicInStartState(t *testing.T) {
	t.Parallel()
	_, _, a := buildRequestBatch(3, 0x4000)
	_, _, b := buildRequestBatch(3, 0x4000)
	require.Equal(t, a, b, "the request generator must be deterministic in (index, offset)")
}

func TestBuildRequestBatch_WireStructure(t *testing.T) {
	t.Parallel()
	_, _, batch := buildRequestBatch(0, 0)
	require.Len(t, batch, 17*80)
	for i := 0; i < 80; i++ {
		rec := batch[i*17 : (i+1)*17]
		require.Equal(t, uint32(13), binary.BigEndian.Uint32(rec[0:4]),
			"spec.md §8.3: every BT request record's length field must be 13")
		require.Equal(t, byte(0x06), rec[4], "spec.md §8.3: every BT request record's type byte must be 6")
	}
}

func TestBuildRequestBatch_WrapsOffsetAndAdvancesIndex(t *testing.T) {
	t.Parallel()
	// PieceDimension/BlockLength == 8, so a batch of 80 requests wraps
	// exactly 10 times starting from (0,0).
	nextIndex, nextOffset, _ := buildRequestBatch(0, 0)
	require.EqualValues(t, 10, nextIndex)
	require.EqualValues(t, 0, nextOffset)
}

// tcpLoopbackPair returns a connected pair of real TCP sockets. A kernel
// socket (unlike net.Pipe's unbuffered rendezvous) is required here: the
// seeder's last response batch and the leecher's next request race past
// each other at the phase boundary, and only a buffered socket absorbs
// that small trailing write the way a real deployment's NICs would.
func tcpLoopbackPair(t *testing.T) (a, b net.Conn) {
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
	return cli, srv
}

func TestBT_UplinkDownlinkRoundTrip(t *testing.T) {
	prevTimeout := dataRecvTimeout
	dataRecvTimeout = 200 * time.Millisecond
	defer func() { dataRecvTimeout = prevTimeout }()

	seeder, leecher := tcpLoopbackPair(t)
	defer seeder.Close()
	defer leecher.Close()

	bt := NewBT()

	done := make(chan error, 1)
	go func() { done <- bt.UplinkSend(seeder, 100*time.Millisecond) }()

	var intervals resultmodel.TimestampMap
	err := bt.DownlinkRecv(leecher, &intervals)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.GreaterOrEqual(t, intervals.Len(), 1)
	tStart, n, ok := intervals.First()
	require.True(t, ok)
	require.Zero(t, n)
	require.Greater(t, tStart, 0.0)
}
