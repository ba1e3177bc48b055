// Package metadata implements the client's out-of-band operator-metadata
// subscriber described in spec.md §6/§9: an external collaborator process
// publishes interface/GPS telemetry on a local endpoint, and three sidecar
// text files carry Paris-traceroute and tracebox results. None of these
// producers are implemented here (spec.md §1 treats them as external); this
// package only consumes them.
package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

// DefaultEndpoint is the MONROE metadata publish endpoint spec.md §6 names.
const DefaultEndpoint = "172.17.0.1:5556"

// Collector subscribes to the metadata publish endpoint in the background
// and, on Run's stop signal, merges what it collected with the on-disk
// Paris/tracebox sidecar files into one snapshot, mirroring client.py's
// MetadataProducer.
type Collector struct {
	Endpoint  string
	Interface string
	Execution int
	Clock     clockwork.Clock
	Log       *slog.Logger

	// SidecarDir is where the Paris/tracebox text files are read from,
	// defaulting to "/tmp" (client.py's hardcoded location). Overridable
	// so tests don't touch the real machine's /tmp.
	SidecarDir string
}

// NewCollector returns a Collector ready to Run, defaulting Endpoint to
// DefaultEndpoint, SidecarDir to "/tmp", and Clock to a real clock.
func NewCollector(iface string, execution int, log *slog.Logger) *Collector {
	return &Collector{
		Endpoint:   DefaultEndpoint,
		Interface:  iface,
		Execution:  execution,
		Clock:      clockwork.NewRealClock(),
		Log:        log,
		SidecarDir: "/tmp",
	}
}

// Run dials Endpoint and reads topic-prefixed frames ("TOPIC payload"),
// recording MODEM frames into the interface timeline and GPS frames into
// the gps timeline, until stop is closed or ctx is done. It then attaches
// the Paris/tracebox sidecar files (whichever exist) and returns the
// merged snapshot. A failed dial is logged and does not fail Run — the
// snapshot is simply empty, per spec.md §6's "if absent, omitted" rule.
func (c *Collector) Run(ctx context.Context, stop <-chan struct{}) *resultmodel.ClientMeta {
	meta := &resultmodel.ClientMeta{}
	c.collect(ctx, stop, &meta.Interface, &meta.GPS)
	c.attachFiles(meta)
	return meta
}

func (c *Collector) collect(ctx context.Context, stop <-chan struct{}, iface, gps *resultmodel.JSONTimeline) {
	conn, err := net.DialTimeout("tcp", c.Endpoint, 2*time.Second)
	if err != nil {
		c.Log.Warn("metadata endpoint unreachable", "endpoint", c.Endpoint, "error", err)
		<-stop
		return
	}
	defer conn.Close()

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.ingest(line, iface, gps)
		}
	}
}

// ingest parses one "TOPIC payload" frame, matching client.py's
// `msg.split(None, 1)` + substring topic match.
func (c *Collector) ingest(line string, iface, gps *resultmodel.JSONTimeline) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return
	}
	topic, payload := parts[0], parts[1]
	now := float64(c.Clock.Now().UnixNano()) / 1e9

	var decoded map[string]any
	if json.Unmarshal([]byte(payload), &decoded) != nil {
		return
	}

	switch {
	case strings.Contains(topic, "MODEM"):
		if _, ok := decoded["InternalInterface"]; ok {
			if err := iface.Append(now, decoded); err != nil {
				c.Log.Warn("malformed interface metadata frame", "error", err)
			}
		}
	case strings.Contains(topic, "GPS"):
		if err := gps.Append(now, decoded); err != nil {
			c.Log.Warn("malformed gps metadata frame", "error", err)
		}
	}
}

// attachFiles reads the Paris/tracebox sidecar files client.py's
// MetadataProducer reads at session end, attaching whichever exist.
func (c *Collector) attachFiles(meta *resultmodel.ClientMeta) {
	dir := c.SidecarDir
	if dir == "" {
		dir = "/tmp"
	}
	if b, err := os.ReadFile(c.parisPath(dir)); err == nil {
		meta.Paris = string(b)
	}
	if b, err := os.ReadFile(c.traceboxPath(dir, 6881)); err == nil {
		var v map[string]any
		if json.Unmarshal(b, &v) == nil {
			meta.Tracebox6881 = v
		}
	}
	if b, err := os.ReadFile(c.traceboxPath(dir, 53674)); err == nil {
		var v map[string]any
		if json.Unmarshal(b, &v) == nil {
			meta.Tracebox53674 = v
		}
	}
}

func (c *Collector) parisPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("paris_%s_%d.txt", c.Interface, c.Execution))
}

// traceboxPath names the per-port sidecar file. The two ports must each
// read their own file — a fix from a prior revision that read port 53674's
// tracebox result from the 6881 file by mistake.
func (c *Collector) traceboxPath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("tracebox_%d_%s_%d.txt", port, c.Interface, c.Execution))
}
