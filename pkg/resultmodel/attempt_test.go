package resultmodel

import (
	"encoding/json"
	"testing"

	"github.com/NeutMon/neutmon/pkg/control"
	"github.com/stretchr/testify/require"
)

func TestAttempt_LegForOpDirectionalMapping(t *testing.T) {
	t.Parallel()
	a := NewAttempt(6881)

	leg, uplink, ok := a.LegForOp(control.StartUB)
	require.True(t, ok)
	require.True(t, uplink)
	require.Same(t, &a.Uplink.BT, leg)

	leg, uplink, ok = a.LegForOp(control.StartDC)
	require.True(t, ok)
	require.False(t, uplink)
	require.Same(t, &a.Downlink.CT, leg)

	leg, uplink, ok = a.LegForOp(control.StartUT)
	require.True(t, ok)
	require.True(t, uplink)
	require.NotNil(t, leg)
	require.Same(t, a.Uplink.Third, leg)

	_, _, ok = a.LegForOp(control.OK)
	require.False(t, ok)
}

func TestAttempt_JSONShapeMatchesResultBundle(t *testing.T) {
	t.Parallel()
	a := NewAttempt(6881)
	a.Finished = true
	a.Uplink.BT.ServerStatus = control.OK
	a.Uplink.BT.ClientStatus = control.OK
	a.Uplink.BT.Speedtest.Append(0, 0)
	a.Uplink.BT.Speedtest.Append(1.5, 16384)
	a.Downlink.BT.Traceroute.Set(1, "*")

	b, err := json.Marshal(a)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	require.Equal(t, float64(6881), generic["port"])
	require.Equal(t, true, generic["finished"])
	require.NotContains(t, generic, "third_port")

	uplink := generic["uplink"].(map[string]any)
	require.NotContains(t, uplink, "third")
	bt := uplink["bt"].(map[string]any)
	require.Equal(t, float64(control.OK), bt["server_status"])
	require.Equal(t, float64(control.OK), bt["client_status"])
}
