package clientrun

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/NeutMon/neutmon/pkg/control"
)

// classifyDialErr maps a failed outbound data-socket dial to the matching
// CLIENT_CONNECT_* code, per spec.md §7.
func classifyDialErr(err error) control.Op {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return control.ClientConnectTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return control.ClientConnectRefused
	}
	return control.ClientConnectGeneric
}

// classifyTestErr maps a failed flow/traceroute run to the matching
// CLIENT_TEST_* code, per spec.md §7. Mirrors pkg/session's
// classifyTestErr for the server side of the same taxonomy.
func classifyTestErr(err error) control.Op {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return control.ClientTestTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return control.ClientTestReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return control.ClientTestAbort
	default:
		return control.ClientTestGeneric
	}
}
