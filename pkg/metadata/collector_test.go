package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollector_CollectsModemAndGPSFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "MONROE.META.DEVICE.MODEM %s\n", `{"InternalInterface":"wwan0","rssi":-70}`)
		fmt.Fprintf(conn, "MONROE.META.DEVICE.GPS %s\n", `{"lat":1.0,"lon":2.0}`)
		time.Sleep(50 * time.Millisecond)
	}()

	c := NewCollector("wwan0", 7, testLogger())
	c.Endpoint = ln.Addr().String()
	c.Clock = clockwork.NewFakeClock()
	c.SidecarDir = t.TempDir()

	stop := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(stop)
	}()

	meta := c.Run(context.Background(), stop)
	require.Equal(t, 1, meta.Interface.Len())
	require.Equal(t, 1, meta.GPS.Len())
}

func TestCollector_AttachesSidecarFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paris_wwan0_3.txt"), []byte("1 2 3"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tracebox_6881_wwan0_3.txt"), []byte(`{"hops":1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tracebox_53674_wwan0_3.txt"), []byte(`{"hops":2}`), 0o644))

	c := NewCollector("wwan0", 3, testLogger())
	c.SidecarDir = dir

	meta := &resultmodel.ClientMeta{}
	c.attachFiles(meta)

	require.Equal(t, "1 2 3", meta.Paris)
	var j1, j2 map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"hops":1}`), &j1))
	require.NoError(t, json.Unmarshal([]byte(`{"hops":2}`), &j2))
	require.Equal(t, j1, meta.Tracebox6881)
	require.Equal(t, j2, meta.Tracebox53674)
}

func TestCollector_MissingSidecarFilesAreOmitted(t *testing.T) {
	c := NewCollector("wwan0", 99, testLogger())
	c.SidecarDir = t.TempDir()

	meta := &resultmodel.ClientMeta{}
	c.attachFiles(meta)

	require.Empty(t, meta.Paris)
	require.Nil(t, meta.Tracebox6881)
	require.Nil(t, meta.Tracebox53674)
}
