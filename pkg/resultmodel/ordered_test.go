package resultmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimestampMap_PreservesInsertionOrder(t *testing.T) {
	t.Parallel()
	var m TimestampMap
	m.Append(10.5, 0)
	m.Append(10.5, 1024) // colliding timestamp, still ordered after the first
	m.Append(9.0, 2048)  // earlier timestamp, kept in insertion order rather than sorted

	b, err := json.Marshal(&m)
	require.NoError(t, err)
	require.Equal(t, `{"10.5":0,"10.5":1024,"9":2048}`, string(b))

	var decoded TimestampMap
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, m.entries, decoded.entries)
}

func TestTimestampMap_FirstIsStartSentinel(t *testing.T) {
	t.Parallel()
	var m TimestampMap
	m.Append(100.0, 0)
	m.Append(100.25, 4096)

	tStart, n, ok := m.First()
	require.True(t, ok)
	require.Equal(t, 100.0, tStart)
	require.Zero(t, n)
	require.EqualValues(t, 4096, m.TotalBytes())
}

func TestJSONTimeline_PreservesInsertionOrderAndObjectValues(t *testing.T) {
	t.Parallel()
	var tl JSONTimeline
	require.NoError(t, tl.Append(1.0, map[string]any{"InternalInterface": "wwan0"}))
	require.NoError(t, tl.Append(2.0, map[string]any{"lat": 1.5}))
	require.Equal(t, 2, tl.Len())

	b, err := json.Marshal(&tl)
	require.NoError(t, err)

	var decoded JSONTimeline
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, tl.keys, decoded.keys)

	var first map[string]any
	require.NoError(t, json.Unmarshal(decoded.vals[0], &first))
	require.Equal(t, "wwan0", first["InternalInterface"])
}

func TestHopMap_RoundTripWithMissingHops(t *testing.T) {
	t.Parallel()
	var h HopMap
	h.Set(1, "10.0.0.1")
	h.Set(2, "*")
	h.Set(3, "10.0.0.3")

	b, err := json.Marshal(&h)
	require.NoError(t, err)
	require.JSONEq(t, `{"1":"10.0.0.1","2":"*","3":"10.0.0.3"}`, string(b))

	var decoded HopMap
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, h, decoded)
	require.True(t, decoded.DensePrefix())
}

func TestHopMap_DensePrefixRejectsBeyond30(t *testing.T) {
	t.Parallel()
	var h HopMap
	h.Set(31, "10.0.0.31")
	require.False(t, h.DensePrefix())
}

func TestHopMap_GetMissingHop(t *testing.T) {
	t.Parallel()
	var h HopMap
	h.Set(1, "10.0.0.1")
	_, ok := h.Get(2)
	require.False(t, ok)
	_, ok = h.Get(0)
	require.False(t, ok)
}
