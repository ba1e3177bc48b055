package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/NeutMon/neutmon/pkg/control"
	"github.com/NeutMon/neutmon/pkg/metrics"
	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

// Sink persists a finished (or partially finished) session's result
// bundle, per spec.md §4.E's "calls the external result sink". Satisfied
// structurally by pkg/resultsink.Default — no import needed here, keeping
// pkg/session decoupled from the storage concern.
type Sink interface {
	Write(ctx context.Context, bundle *resultmodel.ResultBundle) (string, error)
}

// SupervisorConfig holds the settings shared by every client handled by
// one server process, mirroring server.py's main()'s CLI-derived values
// threaded into client_handler.
type SupervisorConfig struct {
	ThreeWay  bool
	Duration  time.Duration
	StopSet   map[string]bool
	Interface string // raw ICMP socket binding; "" leaves the socket unbound (no interface or source-port pinning)
	BindAddr  string // data listener bind address; "" binds every interface
	Clock     clockwork.Clock
	Log       *slog.Logger
	Sink      Sink

	// NewICMPConn opens the per-session raw ICMP socket, defaulting to
	// traceroute.NewRawICMPConn. Overridable so tests can supply a fake
	// transport instead of requiring the real CAP_NET_RAW privilege every
	// test run would otherwise need.
	NewICMPConn func(iface string) (traceroute.RawICMPConn, error)
}

// Supervisor owns one client's control connection lifecycle end to end:
// it builds the Controller, runs the phase state machine, converts any
// session-ending error into the resultmodel.ResultError taxonomy, and
// hands the finished bundle to Sink. One Supervisor.Handle call corresponds
// to one pass through server.py's client_handler plus its main()-loop
// result assembly.
type Supervisor struct {
	cfg SupervisorConfig
}

// NewSupervisor builds a Supervisor from cfg, filling in a real clock if
// none was supplied.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewICMPConn == nil {
		cfg.NewICMPConn = traceroute.NewRawICMPConn
	}
	return &Supervisor{cfg: cfg}
}

// Handle runs one client's full session over conn and writes the result
// bundle via s.cfg.Sink. It never panics and always closes every socket it
// opened, matching spec.md §4.E's closing guarantee; the deferred
// conn.Close runs on every return path (on the normal path the deferred
// cc.Close closes conn too, so it is closed twice there).
func (s *Supervisor) Handle(ctx context.Context, conn net.Conn) {
	clientID := uuid.New()
	log := s.cfg.Log.With("client_id", clientID.String())
	startSeconds := nowSeconds(s.cfg.Clock)

	defer conn.Close()

	meta := resultmodel.MetaData{
		ClientID: clientID,
		ClientIP: addrTuple(conn.RemoteAddr()),
		Start:    startSeconds,
	}

	// Matches server.py's client_handler, whose outer except Exception
	// still writes a result bundle for the session instead of losing it:
	// an unexpected panic anywhere below (Controller.Run, a flow/traceroute
	// bug) must not take the rest of the server's concurrently-handled
	// clients down with it.
	defer func() {
		if r := recover(); r != nil {
			log.Error("session panicked", "panic", r)
			meta.Stop = nowSeconds(s.cfg.Clock)
			metrics.SessionsTotal.WithLabelValues("panic").Inc()
			s.write(ctx, &resultmodel.ResultBundle{
				MetaData: meta,
				Error:    &resultmodel.ResultError{Message: fmt.Sprintf("panic: %v", r)},
			}, log)
		}
	}()

	icmp, err := s.cfg.NewICMPConn(s.cfg.Interface)
	if err != nil {
		log.Error("open raw ICMP socket for session", "error", err)
		meta.Stop = nowSeconds(s.cfg.Clock)
		metrics.SessionsTotal.WithLabelValues("icmp_open_failed").Inc()
		s.write(ctx, &resultmodel.ResultBundle{
			MetaData: meta,
			Error:    &resultmodel.ResultError{Message: fmt.Sprintf("open raw ICMP socket: %v", err)},
		}, log)
		return
	}
	defer icmp.Close()

	dc := newDeadlineConn(conn, neutconfig.ControlRecvTimeout)
	cc := control.NewConn(dc, control.RoleServer)
	defer cc.Close()

	ctrl := NewController(cc, icmp, s.cfg.ThreeWay, s.cfg.Duration, s.cfg.StopSet, log)
	ctrl.Clock = s.cfg.Clock
	ctrl.BindAddr = s.cfg.BindAddr

	attempts, clientMeta, runErr := ctrl.Run()

	meta.Stop = nowSeconds(s.cfg.Clock)
	if clientMeta != nil {
		meta.ClientMeta = *clientMeta
	}

	bundle := &resultmodel.ResultBundle{
		MetaData: meta,
		Results:  attempts,
	}
	if runErr != nil {
		log.Error("session ended abnormally", "error", runErr)
		bundle.Error = &resultmodel.ResultError{Message: runErr.Error()}
		metrics.SessionsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.SessionsTotal.WithLabelValues("ok").Inc()
	}
	s.write(ctx, bundle, log)
}

func (s *Supervisor) write(ctx context.Context, bundle *resultmodel.ResultBundle, log *slog.Logger) {
	path, err := s.cfg.Sink.Write(ctx, bundle)
	if err != nil {
		log.Error("write result bundle", "error", err)
		return
	}
	log.Info("wrote result bundle", "path", path)
}

func nowSeconds(clk clockwork.Clock) float64 {
	return float64(clk.Now().UnixNano()) / 1e9
}

// addrTuple renders a net.Addr as the (host, port) pair spec.md §6 models
// meta_data.client_ip as, matching Python's socket address tuple shape.
func addrTuple(addr net.Addr) [2]any {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return [2]any{addr.String(), 0}
	}
	var p int
	_, _ = fmt.Sscanf(port, "%d", &p)
	return [2]any{host, p}
}
