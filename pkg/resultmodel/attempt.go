package resultmodel

import "github.com/NeutMon/neutmon/pkg/control"

// Leg is the per-(direction, flow) portion of an Attempt, per spec.md §3.
type Leg struct {
	ServerStatus control.Op    `json:"server_status"`
	ClientStatus control.Op    `json:"client_status"`
	Speedtest    TimestampMap  `json:"speedtest"`
	Traceroute   HopMap        `json:"traceroute"`
}

// NewLeg returns a zero-value Leg with its maps ready to append to.
func NewLeg() Leg {
	return Leg{}
}

// Directional holds the bt/ct/third legs for one direction (uplink or
// downlink) of an Attempt, per spec.md §3.
type Directional struct {
	BT    Leg  `json:"bt"`
	CT    Leg  `json:"ct"`
	Third *Leg `json:"third,omitempty"`
}

// Attempt is one session-level try of the full phase sequence on a given
// port pair, per spec.md §3.
type Attempt struct {
	Port       int         `json:"port"`
	Finished   bool        `json:"finished"`
	ThirdPort  int         `json:"third_port,omitempty"`
	Uplink     Directional `json:"uplink"`
	Downlink   Directional `json:"downlink"`
}

// NewAttempt returns an Attempt initialized for phase sequencing starting
// on port, per spec.md §4.B's `init(port)`.
func NewAttempt(port int) *Attempt {
	return &Attempt{Port: port}
}

// legFor returns a pointer to the third-variant leg of the given direction
// when third is set, adding it on first use; it returns nil when third is
// false (BTLeg/CTLeg address the other legs).
func (a *Attempt) legFor(uplink bool, third bool) *Leg {
	dir := &a.Downlink
	if uplink {
		dir = &a.Uplink
	}
	if third {
		if dir.Third == nil {
			l := NewLeg()
			dir.Third = &l
		}
		return dir.Third
	}
	return nil
}

// BTLeg returns the BT leg for the given direction.
func (a *Attempt) BTLeg(uplink bool) *Leg {
	if uplink {
		return &a.Uplink.BT
	}
	return &a.Downlink.BT
}

// CTLeg returns the CT leg for the given direction.
func (a *Attempt) CTLeg(uplink bool) *Leg {
	if uplink {
		return &a.Uplink.CT
	}
	return &a.Downlink.CT
}

// ThirdLeg returns the third-variant leg for the given direction, creating
// it on first access.
func (a *Attempt) ThirdLeg(uplink bool) *Leg {
	return a.legFor(uplink, true)
}

// LegForOp returns the leg that op addresses, and whether op starts an
// uplink phase, per the directional mapping of spec.md §4.B ("server
// performs the opposite direction from the client").
func (a *Attempt) LegForOp(op control.Op) (leg *Leg, uplink bool, ok bool) {
	switch op {
	case control.StartUB:
		return a.BTLeg(true), true, true
	case control.StartUC:
		return a.CTLeg(true), true, true
	case control.StartUT:
		return a.ThirdLeg(true), true, true
	case control.StartDB:
		return a.BTLeg(false), false, true
	case control.StartDC:
		return a.CTLeg(false), false, true
	case control.StartDT:
		return a.ThirdLeg(false), false, true
	default:
		return nil, false, false
	}
}
