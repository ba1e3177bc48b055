// Command neutmon-client drives one measurement session against a
// neutmon-server, per spec.md §4.F: it establishes the control channel,
// answers each START_* command with the matching flow/traceroute phase,
// and optionally collects MONROE out-of-band metadata and an HTTP
// reference measurement to attach to the session's meta-data payload.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/NeutMon/neutmon/pkg/clientrun"
	"github.com/NeutMon/neutmon/pkg/control"
	"github.com/NeutMon/neutmon/pkg/metadata"
	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
	"github.com/NeutMon/neutmon/pkg/traceroute"
)

func main() {
	os.Exit(run())
}

func run() int {
	ifaceFlag := flag.String("interface", "", "interface name (bound for the raw ICMP socket; required with --monroe)")
	durationFlag := flag.Duration("duration", neutconfig.DefaultTestDuration, "how long the client sends in uplink phases (the server's own --duration times downlink phases)")
	serverFlag := flag.String("server", "", "server hostname or IP (required)")
	portFlag := flag.Int("port", neutconfig.ControlPort, "server control port")
	stopFlag := flag.StringSlice("stop", nil, "traceroute stop-set IPs")
	httpFlag := flag.String("http", "", "file path to request for the optional HTTP reference measurement (empty disables)")
	monroeFlag := flag.Bool("monroe", false, "enable the MONROE out-of-band metadata subscriber")
	executionFlag := flag.Int("execution", -1, "MONROE execution id (required with --monroe)")
	verboseFlag := flag.Bool("verbose", false, "enable debug-level logs")
	flag.Parse()

	log := newLogger(*verboseFlag)

	if *serverFlag == "" {
		log.Error("--server is required")
		return 1
	}
	if *monroeFlag && *ifaceFlag == "" {
		log.Error("--interface is required in --monroe mode")
		return 1
	}
	if *monroeFlag && *executionFlag < 0 {
		log.Error("--execution is required in --monroe mode")
		return 1
	}

	if err := traceroute.RequirePrivileges(*ifaceFlag != ""); err != nil {
		log.Error("privilege check failed", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopSet := make(map[string]bool, len(*stopFlag))
	for _, ip := range *stopFlag {
		stopSet[ip] = true
	}

	icmp, err := traceroute.NewRawICMPConn(*ifaceFlag)
	if err != nil {
		log.Error("open raw ICMP socket", "error", err)
		return 1
	}
	defer icmp.Close()

	conn, err := dialControlWithBackoff(ctx, *serverFlag, *portFlag, log)
	if err != nil {
		log.Error("connect to server", "error", err)
		return 1
	}
	defer conn.Close()
	cc := control.NewConn(conn, control.RoleClient)

	driver := clientrun.NewDriver(cc, *serverFlag, *durationFlag, icmp, stopSet, log)

	var stopMonroe chan struct{}
	var stopMonroeOnce sync.Once
	monroeDone := make(chan *resultmodel.ClientMeta, 1)
	if *monroeFlag {
		stopMonroe = make(chan struct{})
		collector := metadata.NewCollector(*ifaceFlag, *executionFlag, log)
		go func() { monroeDone <- collector.Run(ctx, stopMonroe) }()

		// The collector must be stopped and its snapshot merged in before
		// the SEND_META_DATA reply goes out, not after Run returns — that
		// reply fires mid-loop, well before FINISH_MEASURE ends Run. If
		// Run instead ends via ABORT_MEASURE or a control-channel error,
		// SEND_META_DATA never arrives and BeforeMetaData never runs; the
		// deferred stopMonroeOnce below still unblocks the collector so it
		// doesn't leak past process exit.
		driver.BeforeMetaData = func(meta *resultmodel.ClientMeta) {
			stopMonroeOnce.Do(func() { close(stopMonroe) })
			mergeMonroeMeta(meta, <-monroeDone)
		}
		defer stopMonroeOnce.Do(func() { close(stopMonroe) })
	}

	if *httpFlag != "" {
		httpTest, err := clientrun.RunHTTPReference(*serverFlag, *httpFlag)
		if err != nil {
			log.Warn("http reference measurement failed", "error", err)
		} else {
			driver.HTTPTest = httpTest
		}
	}

	meta := &resultmodel.ClientMeta{}
	runErr := driver.Run(meta)

	if runErr != nil {
		log.Error("session ended abnormally", "error", runErr)
		return 1
	}
	log.Info("session finished")
	return 0
}

// mergeMonroeMeta copies the collector's interface/gps/paris/tracebox
// fields into meta, which already carries whatever http_test SEND_META_DATA
// is about to report — the two are collected independently and merged only
// at the end, mirroring client.py's single outgoing meta-data dict built
// from both sources just before the final reply.
func mergeMonroeMeta(meta, monroe *resultmodel.ClientMeta) {
	if monroe == nil {
		return
	}
	meta.Interface = monroe.Interface
	meta.GPS = monroe.GPS
	meta.Paris = monroe.Paris
	meta.Tracebox6881 = monroe.Tracebox6881
	meta.Tracebox53674 = monroe.Tracebox53674
}

// dialControlWithBackoff retries the initial control-channel dial with an
// exponential backoff, grounded on tools/gnmi-tunnel/main.go's reconnect
// loop: unlimited elapsed time (a client started before its server is
// reachable should keep trying), capped per-attempt wait.
func dialControlWithBackoff(ctx context.Context, server string, port int, log *slog.Logger) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	addr := net.JoinHostPort(server, strconv.Itoa(port))
	var conn net.Conn
	op := func() error {
		c, err := net.DialTimeout("tcp4", addr, 5*time.Second)
		if err != nil {
			log.Warn("control connection failed, retrying", "address", addr, "error", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return a
		},
	}))
}
