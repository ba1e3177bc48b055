// Package session implements the server-side phase-sequencing state
// machine and per-client lifecycle described in spec.md §4.B/§4.E.
package session

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/NeutMon/neutmon/pkg/control"
)

// SessionError is an error value carrying a whole-session failure message,
// per spec.md §7's "Fatal for session, emit partial result" rows. Nothing
// in this package constructs it: Supervisor records session failures
// directly as a resultmodel.ResultError in ResultBundle.Error.
type SessionError struct {
	Message string
}

func (e *SessionError) Error() string { return e.Message }

// classifyConnectErr maps a data-connection accept failure onto the
// server-local control.AcceptTimeout/control.AcceptGeneric statuses
// recorded in resultmodel.Leg.ServerStatus (not the CLIENT_CONNECT_* wire
// codes), grounded on handlers.py's Tester.accept_test_connection.
func classifyConnectErr(err error) control.Op {
	if err == nil {
		return control.OK
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return control.AcceptTimeout
	}
	return control.AcceptGeneric
}

// classifyTestErr maps a flow/traceroute error onto the CLIENT_TEST_*
// taxonomy, grounded on handlers.py's Tester.do_test exception mapping:
// socket.timeout -> TEST_TIMEOUT, ECONNRESET/ECONNABORTED -> TEST_RESET,
// a clean peer close -> TEST_ABORT, anything else -> TEST_GENERIC.
func classifyTestErr(err error) control.Op {
	if err == nil {
		return control.OK
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return control.ClientTestTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return control.ClientTestReset
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return control.ClientTestAbort
	}
	return control.ClientTestGeneric
}
