package clientrun

import (
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NeutMon/neutmon/pkg/control"
	"github.com/NeutMon/neutmon/pkg/flow"
	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

func TestMain(m *testing.M) {
	restore := flow.SetDataRecvTimeoutForTests(150 * time.Millisecond)
	code := m.Run()
	restore()
	os.Exit(code)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type alwaysMissICMP struct{}

func (alwaysMissICMP) SetReadDeadline(time.Time) error { return nil }
func (alwaysMissICMP) Recv([]byte) (int, net.IP, error) {
	return 0, nil, os.ErrDeadlineExceeded
}
func (alwaysMissICMP) Close() error { return nil }

// fakeServer accepts a single data connection per phase on port and runs
// the matching flow side, the mirror image of Driver.runPhase, so these
// tests exercise the real control.Conn + pkg/flow wiring without needing a
// real session.Controller. It reports failures through the returned error
// rather than via testify, since it runs on its own goroutine and
// testify's t.FailNow is only safe to call from the test's own goroutine.
func fakeServer(port int, cmd control.Op, duration time.Duration) error {
	ln, err := net.Listen("tcp4", "127.0.0.1:"+portString(port))
	if err != nil {
		return err
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	tcpConn := conn.(*net.TCPConn)

	var f flow.Flow = flow.NewCT()
	if cmd == control.StartUB || cmd == control.StartDB {
		f = flow.NewBT()
	}
	third := cmd == control.StartUT || cmd == control.StartDT
	clientSends := cmd == control.StartUB || cmd == control.StartUC || cmd == control.StartUT

	if clientSends {
		var intervals resultmodel.TimestampMap
		if err := f.DownlinkRecv(tcpConn, &intervals); err != nil {
			return err
		}
		if !third {
			return f.DownlinkTraceroute(tcpConn)
		}
		return nil
	}
	if err := f.UplinkSend(tcpConn, duration); err != nil {
		return err
	}
	if !third {
		var hops resultmodel.HopMap
		return f.UplinkTraceroute(tcpConn, alwaysMissICMP{}, &hops, nil)
	}
	return nil
}

func portString(port int) string {
	return string(control.FormatPort(port))
}

// TestDriver_RunOnePhaseUplinkBT exercises Driver.Run against a fake
// server that issues one START_UB phase (with a real loopback data
// listener answering the leecher side) and then FINISH_MEASURE, the
// client-side mirror of pkg/session's controller tests.
func TestDriver_RunOnePhaseUplinkBT(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	sc := control.NewConn(serverSide, control.RoleServer)
	cc := control.NewConn(clientSide, control.RoleClient)

	driver := NewDriver(cc, "127.0.0.1", 200*time.Millisecond, alwaysMissICMP{}, nil, testLogger())

	driverDone := make(chan error, 1)
	go func() {
		meta := &resultmodel.ClientMeta{}
		driverDone <- driver.Run(meta)
	}()

	listenerDone := make(chan error, 1)
	go func() {
		listenerDone <- fakeServer(neutconfig.BTPort, control.StartUB, 200*time.Millisecond)
	}()

	require.NoError(t, sc.SendStart(control.StartUB, neutconfig.BTPort))

	op, extra, err := sc.Recv()
	require.NoError(t, err)
	require.Equal(t, control.OK, op)
	var hops resultmodel.HopMap
	require.NoError(t, control.RecvJSON(extra, &hops))

	require.NoError(t, <-listenerDone)

	require.NoError(t, sc.Send(control.FinishMeasure, nil))
	require.NoError(t, <-driverDone)
}

// TestDriver_BeforeMetaDataRunsBeforeReply verifies that BeforeMetaData
// fires, and any mutation it makes to meta is visible in the SEND_META_DATA
// reply, before Run returns — a caller that instead waited for Run to
// return before merging in background-collected fields would be too late.
func TestDriver_BeforeMetaDataRunsBeforeReply(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	sc := control.NewConn(serverSide, control.RoleServer)
	cc := control.NewConn(clientSide, control.RoleClient)

	driver := NewDriver(cc, "127.0.0.1", 200*time.Millisecond, alwaysMissICMP{}, nil, testLogger())
	hookCalled := make(chan struct{})
	driver.BeforeMetaData = func(meta *resultmodel.ClientMeta) {
		meta.Paris = "injected"
		close(hookCalled)
	}

	driverDone := make(chan error, 1)
	go func() {
		meta := &resultmodel.ClientMeta{}
		driverDone <- driver.Run(meta)
	}()

	require.NoError(t, sc.Send(control.SendMetaData, nil))

	op, extra, err := sc.Recv()
	require.NoError(t, err)
	require.Equal(t, control.OK, op)

	select {
	case <-hookCalled:
	case <-time.After(time.Second):
		t.Fatal("BeforeMetaData was not called")
	}

	var meta resultmodel.ClientMeta
	require.NoError(t, control.RecvJSON(extra, &meta))
	require.Equal(t, "injected", meta.Paris)

	require.NoError(t, sc.Send(control.FinishMeasure, nil))
	require.NoError(t, <-driverDone)
}
