// Package clientrun implements the client side of the control protocol
// described in spec.md §4.F: it answers each START_* command from the
// server's Controller with the matching flow and optional in-band
// traceroute, and reports the collected leg (or a CLIENT_* failure code)
// back on the control channel.
package clientrun

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/NeutMon/neutmon/pkg/control"
	"github.com/NeutMon/neutmon/pkg/flow"
	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

// Driver runs one client session's control loop against a server, mirroring
// client.py's main loop: read one command, perform the matching phase,
// reply. It owns no listener — every data connection it makes is an
// outbound dial, per spec.md §4.F.
type Driver struct {
	Conn     *control.Conn
	Server   string
	Duration time.Duration
	ICMP     traceroute.RawICMPConn
	StopSet  map[string]bool
	Log      *slog.Logger

	bt *flow.BT
	ct *flow.CT

	// HTTPTest, when non-nil, is attached to the client_meta payload sent
	// with SEND_META_DATA, per spec.md §4.F's optional reference
	// measurement (collected separately via RunHTTPReference before Run
	// is called).
	HTTPTest *resultmodel.TimestampMap

	// BeforeMetaData, when non-nil, is called with meta right before it is
	// sent in reply to SEND_META_DATA. This is the only point at which the
	// MONROE metadata subscriber's background collection can be stopped
	// and merged in: SEND_META_DATA arrives mid-loop, well before Run
	// returns, so a caller cannot simply post-process meta after Run.
	BeforeMetaData func(*resultmodel.ClientMeta)
}

// NewDriver builds a Driver with fresh BT/CT flow state, mirroring the one
// bt_test/ct_test pair client.py constructs for the life of the process.
func NewDriver(conn *control.Conn, server string, duration time.Duration, icmp traceroute.RawICMPConn, stopSet map[string]bool, log *slog.Logger) *Driver {
	return &Driver{
		Conn:     conn,
		Server:   server,
		Duration: duration,
		ICMP:     icmp,
		StopSet:  stopSet,
		Log:      log,
		bt:       flow.NewBT(),
		ct:       flow.NewCT(),
	}
}

// Run drives the control loop until the server sends FINISH_MEASURE or
// ABORT_MEASURE, or a control-channel error occurs. meta is the payload
// sent in reply to SEND_META_DATA (with HTTPTest filled in and
// BeforeMetaData applied first). Run returns nil on FINISH_MEASURE or
// ABORT_MEASURE, and an error for a fatal control-channel failure.
func (d *Driver) Run(meta *resultmodel.ClientMeta) error {
	for {
		op, extra, err := d.Conn.Recv()
		if err != nil {
			return fmt.Errorf("clientrun: control recv: %w", err)
		}

		switch {
		case op.IsStart():
			port, perr := control.ParsePort(extra)
			if perr != nil {
				return fmt.Errorf("clientrun: parse %s payload: %w", op, perr)
			}
			status, payload := d.runPhase(op, port)
			if err := d.Conn.SendJSON(status, payload); err != nil {
				return fmt.Errorf("clientrun: reply to %s: %w", op, err)
			}

		case op == control.SendMetaData:
			if meta.HTTPTest == nil {
				meta.HTTPTest = d.HTTPTest
			}
			if d.BeforeMetaData != nil {
				d.BeforeMetaData(meta)
			}
			if err := d.Conn.SendJSON(control.OK, meta); err != nil {
				return fmt.Errorf("clientrun: send meta-data: %w", err)
			}

		case op == control.AbortMeasure:
			return nil

		case op == control.FinishMeasure:
			return nil

		default:
			d.Log.Warn("unexpected control op", "op", op)
		}
	}
}

// runPhase connects to port and runs the direction/flow named by cmd,
// returning the status to reply with and the leg payload to attach to it
// (a *resultmodel.HopMap when the client was the sender/prober for this
// leg, a *resultmodel.TimestampMap when it was the receiver — the same
// sender-reports-traceroute / receiver-reports-speedtest split the
// Controller applies on the server side in mergeClientPayload).
func (d *Driver) runPhase(cmd control.Op, port int) (control.Op, any) {
	dataConn, err := net.DialTimeout("tcp4", fmt.Sprintf("%s:%d", d.Server, port), neutconfig.DataAcceptTimeout)
	if err != nil {
		return classifyDialErr(err), nil
	}
	defer dataConn.Close()
	tcpConn, ok := dataConn.(*net.TCPConn)
	if !ok {
		return control.ClientTestInit, nil
	}

	f := d.flowFor(cmd)
	third := cmd == control.StartUT || cmd == control.StartDT
	clientSends := cmd == control.StartUB || cmd == control.StartUC || cmd == control.StartUT

	if clientSends {
		if err := f.UplinkSend(tcpConn, d.Duration); err != nil {
			return classifyTestErr(err), nil
		}
		if third {
			return control.OK, nil
		}
		hops := &resultmodel.HopMap{}
		if err := f.UplinkTraceroute(tcpConn, d.ICMP, hops, d.StopSet); err != nil {
			return classifyTestErr(err), hops
		}
		return control.OK, hops
	}

	intervals := &resultmodel.TimestampMap{}
	if err := f.DownlinkRecv(tcpConn, intervals); err != nil {
		return classifyTestErr(err), intervals
	}
	if third {
		return control.OK, intervals
	}
	if err := f.DownlinkTraceroute(tcpConn); err != nil {
		return classifyTestErr(err), intervals
	}
	return control.OK, intervals
}

func (d *Driver) flowFor(cmd control.Op) flow.Flow {
	switch cmd {
	case control.StartUB, control.StartDB:
		return d.bt
	default:
		return d.ct
	}
}
