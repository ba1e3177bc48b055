package control

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/NeutMon/neutmon/pkg/neutconfig"
)

// FormatPort encodes port as decimal ASCII, the payload format for START_*
// messages per spec.md §3.
func FormatPort(port int) []byte { return []byte(strconv.Itoa(port)) }

// ParsePort decodes a START_* payload as a decimal ASCII port number.
func ParsePort(extra []byte) (int, error) {
	if len(extra) == 0 {
		return 0, fmt.Errorf("control: START_* message carries no port")
	}
	port, err := strconv.Atoi(string(extra))
	if err != nil {
		return 0, fmt.Errorf("control: malformed port payload %q: %w", extra, err)
	}
	return port, nil
}

// SendStart sends a START_* message naming port, validating the port
// against the closed set of spec.md §3/§4.A before sending.
func (c *Conn) SendStart(op Op, port int) error {
	if !neutconfig.AllowedDataPorts[port] {
		return &ErrInvalidPort{Port: port}
	}
	return c.Send(op, FormatPort(port))
}

// SendJSON sends op (OK or a CLIENT_* error) with extra UTF-8-JSON-encoded,
// or no payload if extra is nil, per spec.md §4.A.
func (c *Conn) SendJSON(op Op, extra any) error {
	if extra == nil {
		return c.Send(op, nil)
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("control: marshal payload for %s: %w", op, err)
	}
	return c.Send(op, b)
}

// RecvJSON reads one message and, if a payload is present, unmarshals it
// into dst. It is the caller's responsibility to know op carries JSON
// (OK and CLIENT_* messages only, per spec.md §4.A).
func RecvJSON(extra []byte, dst any) error {
	if len(extra) == 0 {
		return nil
	}
	return json.Unmarshal(extra, dst)
}
