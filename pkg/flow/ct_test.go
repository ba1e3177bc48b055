package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

func TestCT_FrameSizesMatchBTExactly(t *testing.T) {
	t.Parallel()
	ct := NewCT()
	req := ct.buildRequestBatch()
	resp := ct.buildResponseBatch()

	require.Len(t, req, neutconfig.RequestRecordSize*neutconfig.NumberOfRequests,
		"spec.md §4.C.2: CT request batch size must equal BT's, so size/count alone can't distinguish the flows")
	require.Len(t, resp, (13+neutconfig.BlockLength)*neutconfig.NumberOfRequests)
}

func TestCT_RequestBatchHasNoBTSignature(t *testing.T) {
	t.Parallel()
	ct := NewCT()
	batch := ct.buildRequestBatch()
	matches := 0
	for i := 0; i < neutconfig.NumberOfRequests; i++ {
		rec := batch[i*17 : (i+1)*17]
		if rec[4] == 0x06 && rec[0] == 0 && rec[1] == 0 && rec[2] == 0 && rec[3] == 13 {
			matches++
		}
	}
	require.Less(t, matches, neutconfig.NumberOfRequests,
		"CT payload is uniformly random; it must not reproduce BT's fixed length/type header on every record")
}

func TestCT_UplinkDownlinkRoundTrip(t *testing.T) {
	prevTimeout := dataRecvTimeout
	dataRecvTimeout = 200 * time.Millisecond
	defer func() { dataRecvTimeout = prevTimeout }()

	seeder, leecher := tcpLoopbackPair(t)
	defer seeder.Close()
	defer leecher.Close()

	ct := NewCT()

	done := make(chan error, 1)
	go func() { done <- ct.UplinkSend(seeder, 100*time.Millisecond) }()

	var intervals resultmodel.TimestampMap
	err := ct.DownlinkRecv(leecher, &intervals)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.GreaterOrEqual(t, intervals.Len(), 1)
}
