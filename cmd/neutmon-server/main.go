// Command neutmon-server runs the NeutMon control and data plane described
// in spec.md §4: it accepts control connections on neutconfig.ControlPort
// and, for each one, spawns a session.Supervisor to drive the BT/CT(/TT)
// phase sequence and write the finished result bundle.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultsink"
	"github.com/NeutMon/neutmon/pkg/session"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	durationFlag := flag.Duration("duration", neutconfig.DefaultTestDuration, "per-phase BT/CT test duration")
	threeWayFlag := flag.Bool("three_way_test", false, "also run the TT third-variant phase pair")
	stopFlag := flag.StringSlice("stop", nil, "traceroute stop-set IPs (halts the hop loop early on match)")
	bindFlag := flag.String("bind", "", "interface to bind the raw ICMP socket to (default: any)")
	bindAddrFlag := flag.String("bind-addr", "", "local address to bind the BT/CT/TT data listeners to (default: all interfaces)")
	outDirFlag := flag.String("out-dir", "", "directory to write result bundles into (default: current directory)")
	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for Prometheus metrics (empty disables)")
	logFlag := flag.Bool("log", true, "enable logging")
	logfileFlag := flag.String("logfile", "", "write logs to this file instead of stdout")
	verboseFlag := flag.Bool("verbose", false, "enable debug-level logs")
	flag.Parse()

	log, closeLog, err := newLogger(*logFlag, *logfileFlag, *verboseFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	defer closeLog()

	if err := traceroute.RequirePrivileges(*bindFlag != ""); err != nil {
		log.Error("privilege check failed", "error", err)
		return err
	}

	if *metricsAddrFlag != "" {
		go serveMetrics(*metricsAddrFlag, log)
	}

	stopSet := make(map[string]bool, len(*stopFlag))
	for _, ip := range *stopFlag {
		stopSet[ip] = true
	}

	supervisor := session.NewSupervisor(session.SupervisorConfig{
		ThreeWay:  *threeWayFlag,
		Duration:  *durationFlag,
		StopSet:   stopSet,
		Interface: *bindFlag,
		BindAddr:  *bindAddrFlag,
		Clock:     clockwork.NewRealClock(),
		Log:       log,
		Sink:      resultsink.NewDefault(*outDirFlag),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", neutconfig.ControlPort))
	if err != nil {
		log.Error("listen on control port", "port", neutconfig.ControlPort, "error", err)
		return err
	}
	defer ln.Close()
	log.Info("neutmon-server listening", "port", neutconfig.ControlPort, "three_way_test", *threeWayFlag, "duration", *durationFlag)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("context done, stopping accept loop")
				return nil
			}
			log.Error("accept control connection", "error", err)
			continue
		}
		go supervisor.Handle(ctx, conn)
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("start prometheus metrics listener", "error", err)
		return
	}
	log.Info("prometheus metrics listening", "address", ln.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(ln, mux); err != nil {
		log.Error("serve prometheus metrics", "error", err)
	}
}

// newLogger builds a tint-backed *slog.Logger, matching
// telemetry/global-monitor/cmd/global-monitor/main.go's newLogger helper:
// millisecond-precision RFC3339 timestamps, level gated by --verbose. When
// --log is false, logs are discarded entirely; --logfile redirects them to
// a file instead of stdout. The returned close func must be deferred by
// the caller to flush/close any opened log file.
func newLogger(enabled bool, logfile string, verbose bool) (*slog.Logger, func(), error) {
	if !enabled {
		return slog.New(slog.NewTextHandler(discardWriter{}, nil)), func() {}, nil
	}

	out := os.Stdout
	closeFn := func() {}
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open logfile %q: %w", logfile, err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(out, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return a
		},
	})), closeFn, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
