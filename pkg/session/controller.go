package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NeutMon/neutmon/pkg/control"
	"github.com/NeutMon/neutmon/pkg/flow"
	"github.com/NeutMon/neutmon/pkg/metrics"
	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

// dataAcceptTimeout mirrors neutconfig.DataAcceptTimeout but is
// overridable in tests, the same pattern as pkg/flow's dataRecvTimeout.
var dataAcceptTimeout = neutconfig.DataAcceptTimeout

// Controller runs the server-side phase state machine of spec.md §4.B for
// one client. It owns the data listener (rebinding it on port changes) and
// drives the BT/CT flows and traceroute prober against whatever connection
// arrives on it; it does not own the control connection's lifecycle or
// the eventual result-sink handoff — that belongs to Supervisor.
type Controller struct {
	Conn     *control.Conn
	ThreeWay bool
	Duration time.Duration
	StopSet  map[string]bool
	BindAddr string
	ICMP     traceroute.RawICMPConn
	Clock    clockwork.Clock
	Log      *slog.Logger

	bt *flow.BT
	ct *flow.CT

	listener *net.TCPListener
}

// NewController builds a Controller with fresh BT/CT flow state. bt/ct
// pools (and therefore the random streams they draw from) live for the
// whole client session, carried across attempts exactly as bt_test/ct_test
// are constructed once per client_handler call in the original server.
func NewController(conn *control.Conn, icmp traceroute.RawICMPConn, threeWay bool, duration time.Duration, stopSet map[string]bool, log *slog.Logger) *Controller {
	return &Controller{
		Conn:     conn,
		ThreeWay: threeWay,
		Duration: duration,
		StopSet:  stopSet,
		ICMP:     icmp,
		Clock:    clockwork.NewRealClock(),
		Log:      log,
		bt:       flow.NewBT(),
		ct:       flow.NewCT(),
	}
}

// Run executes the full phase sequence and returns every attempt recorded
// (including failed/restarted ones) along with the client's reported
// meta-data. A non-nil error means the session ended abnormally (a
// control-channel failure); the caller must still treat attempts as a
// valid partial result, per spec.md §4.B's edge case 2.
func (c *Controller) Run() ([]*resultmodel.Attempt, *resultmodel.ClientMeta, error) {
	defer c.closeListener()

	port := neutconfig.BTPort
	attempt := resultmodel.NewAttempt(port)
	if c.ThreeWay {
		attempt.ThirdPort = neutconfig.TTPort
	}
	attempts := []*resultmodel.Attempt{attempt}
	defer func() {
		for _, a := range attempts {
			metrics.AttemptsTotal.WithLabelValues(strconv.FormatBool(a.Finished)).Inc()
		}
	}()

	if err := c.openListener(port); err != nil {
		return attempts, nil, fmt.Errorf("session: open listener on port %d: %w", port, err)
	}

	cmd := control.StartUB
	for {
		leg, _, ok := attempt.LegForOp(cmd)
		if !ok {
			return attempts, nil, fmt.Errorf("session: no leg mapping for %s", cmd)
		}

		if err := c.Conn.SendStart(cmd, port); err != nil {
			return attempts, nil, fmt.Errorf("session: send %s: %w", cmd, err)
		}

		c.runPhase(cmd, leg)

		op, extra, err := c.Conn.Recv()
		if err != nil {
			return attempts, nil, fmt.Errorf("session: control recv after %s: %w", cmd, err)
		}
		leg.ClientStatus = op
		if len(extra) > 0 {
			c.mergeClientPayload(cmd, leg, extra)
		}

		// spec.md §4.B edge case / resolved Open Question: the
		// first-phase restart fires on *any* non-OK reply to
		// START_UB on the primary port, not only CONNECT_* errors.
		if op != control.OK && cmd == control.StartUB && port == neutconfig.BTPort {
			c.closeListener()
			port = neutconfig.AltBTPort
			attempt = resultmodel.NewAttempt(port)
			if c.ThreeWay {
				attempt.ThirdPort = neutconfig.TTPort
			}
			attempts = append(attempts, attempt)
			if err := c.openListener(port); err != nil {
				return attempts, nil, fmt.Errorf("session: reopen listener on port %d: %w", port, err)
			}
			cmd = control.StartUB
			continue
		}

		next, more := control.NextPhase(cmd, c.ThreeWay)
		if !more {
			break
		}
		if next == control.StartUT {
			c.closeListener()
			port = neutconfig.TTPort
			if err := c.openListener(port); err != nil {
				return attempts, nil, fmt.Errorf("session: open third-variant listener: %w", err)
			}
		}
		cmd = next
	}

	attempt.Finished = true
	c.closeListener()

	if err := c.Conn.Send(control.SendMetaData, nil); err != nil {
		return attempts, nil, fmt.Errorf("session: send SEND_META_DATA: %w", err)
	}
	op, extra, err := c.Conn.Recv()
	if err != nil {
		return attempts, nil, fmt.Errorf("session: control recv after SEND_META_DATA: %w", err)
	}
	clientMeta := &resultmodel.ClientMeta{}
	if op == control.OK && len(extra) > 0 {
		if jerr := control.RecvJSON(extra, clientMeta); jerr != nil {
			c.Log.Warn("malformed client meta data", "error", jerr)
			clientMeta = &resultmodel.ClientMeta{}
		}
	} else {
		c.Log.Warn("client meta data not received", "op", op)
	}

	if err := c.Conn.Send(control.FinishMeasure, nil); err != nil {
		return attempts, clientMeta, fmt.Errorf("session: send FINISH_MEASURE: %w", err)
	}
	return attempts, clientMeta, nil
}

// runPhase accepts one data connection, runs the matching flow and
// traceroute, and records the outcome into leg.ServerStatus. It never
// returns an error: a failed phase is still followed by awaiting the
// client's control reply (spec.md §4.B edge case 1), so failure is
// reported purely through the leg.
func (c *Controller) runPhase(cmd control.Op, leg *resultmodel.Leg) {
	dataConn, err := c.accept()
	if err != nil {
		leg.ServerStatus = classifyConnectErr(err)
		return
	}
	defer dataConn.Close()

	f := c.flowFor(cmd)
	third := cmd == control.StartUT || cmd == control.StartDT
	serverSends := cmd == control.StartDB || cmd == control.StartDC || cmd == control.StartDT

	var testErr error
	if serverSends {
		testErr = f.UplinkSend(dataConn, c.Duration)
		if testErr == nil {
			c.Clock.Sleep(neutconfig.PostUplinkSleep)
			if !third {
				testErr = f.UplinkTraceroute(dataConn, c.ICMP, &leg.Traceroute, c.StopSet)
				metrics.TracerouteHopsResolved.Observe(float64(leg.Traceroute.ResolvedCount()))
			}
		}
	} else {
		testErr = f.DownlinkRecv(dataConn, &leg.Speedtest)
		if testErr == nil && !third {
			testErr = f.DownlinkTraceroute(dataConn)
		}
	}

	leg.ServerStatus = classifyTestErr(testErr)
	metrics.PhasesTotal.WithLabelValues(phaseDirection(cmd), phaseFlow(cmd), leg.ServerStatus.String()).Inc()
}

func phaseDirection(cmd control.Op) string {
	if cmd == control.StartUB || cmd == control.StartUC || cmd == control.StartUT {
		return "uplink"
	}
	return "downlink"
}

func phaseFlow(cmd control.Op) string {
	switch cmd {
	case control.StartUB, control.StartDB:
		return "bt"
	case control.StartUC, control.StartDC:
		return "ct"
	default:
		return "third"
	}
}

// mergeClientPayload records the client's OK payload into whichever field
// of leg the server itself could not measure locally: the sender of a leg
// is the only side that ran the traceroute prober, so an uplink command
// (client sends) reports traceroute; a downlink command (server sends)
// reports speedtest, per handlers.py's do_test/server.py's phase_index
// bookkeeping.
func (c *Controller) mergeClientPayload(cmd control.Op, leg *resultmodel.Leg, extra []byte) {
	uplink := cmd == control.StartUB || cmd == control.StartUC || cmd == control.StartUT
	var err error
	if uplink {
		err = control.RecvJSON(extra, &leg.Traceroute)
	} else {
		err = control.RecvJSON(extra, &leg.Speedtest)
	}
	if err != nil {
		c.Log.Warn("malformed client phase payload", "op", cmd, "error", err)
	}
}

func (c *Controller) flowFor(cmd control.Op) flow.Flow {
	switch cmd {
	case control.StartUB, control.StartDB:
		return c.bt
	default: // StartUC/StartDC and the reused-CT third variant StartUT/StartDT
		return c.ct
	}
}

// accept waits up to dataAcceptTimeout for one data connection, retrying
// on spurious (non-timeout) Accept errors within the window, per spec.md
// §4.B's "re-accept on spurious" tie-break.
func (c *Controller) accept() (*net.TCPConn, error) {
	deadline := time.Now().Add(dataAcceptTimeout)
	for {
		if err := c.listener.SetDeadline(deadline); err != nil {
			return nil, err
		}
		conn, err := c.listener.Accept()
		if err == nil {
			return conn.(*net.TCPConn), nil
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
	}
}

func (c *Controller) openListener(port int) error {
	ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", c.bindAddr(), port))
	if err != nil {
		return err
	}
	c.listener = ln.(*net.TCPListener)
	return nil
}

func (c *Controller) closeListener() {
	if c.listener != nil {
		_ = c.listener.Close()
		c.listener = nil
	}
}

func (c *Controller) bindAddr() string {
	if c.BindAddr != "" {
		return c.BindAddr
	}
	return "0.0.0.0"
}
