package clientrun

import (
	"fmt"
	"net"
	"time"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
	"github.com/NeutMon/neutmon/pkg/resultmodel"
)

// RunHTTPReference performs the optional reference measurement of spec.md
// §4.F: a single literal `GET /{file} HTTP/1.1` request against the
// server's HTTPRefPort, draining the response into an intervals map in
// the same format a downlink flow leg uses. It does not use net/http —
// the request is one fixed line, and the response body is opaque bytes to
// be timed, not parsed.
func RunHTTPReference(server, file string) (*resultmodel.TimestampMap, error) {
	conn, err := net.DialTimeout("tcp4", fmt.Sprintf("%s:%d", server, neutconfig.HTTPRefPort), neutconfig.DataAcceptTimeout)
	if err != nil {
		return nil, fmt.Errorf("clientrun: dial http reference: %w", err)
	}
	defer conn.Close()

	req := fmt.Sprintf("GET /%s HTTP/1.1\r\nHost: %s\r\n\r\n", file, server)
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("clientrun: send http reference request: %w", err)
	}

	intervals := &resultmodel.TimestampMap{}
	buf := make([]byte, 64*1024)
	for {
		_ = conn.SetReadDeadline(timeNow().Add(neutconfig.DataRecvTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			intervals.Append(secondsNow(), int64(n))
		}
		if err != nil {
			return intervals, nil
		}
	}
}

func timeNow() time.Time { return time.Now() }

func secondsNow() float64 { return float64(timeNow().UnixNano()) / 1e9 }
