package resultmodel

import "github.com/google/uuid"

// ClientMeta is the free-form metadata payload collected from the
// client's out-of-band metadata subscriber and its optional HTTP
// reference measurement, per spec.md §6.
type ClientMeta struct {
	Interface     JSONTimeline   `json:"interface,omitempty"`
	GPS           JSONTimeline   `json:"gps,omitempty"`
	HTTPTest      *TimestampMap  `json:"http_test,omitempty"`
	Paris         string         `json:"paris,omitempty"`
	Tracebox6881  map[string]any `json:"tracebox_6881,omitempty"`
	Tracebox53674 map[string]any `json:"tracebox_53674,omitempty"`
}

// MetaData is the session envelope recorded alongside the attempt list,
// per spec.md §6.
type MetaData struct {
	ClientID   uuid.UUID  `json:"client_id"`
	ClientIP   [2]any     `json:"client_ip"` // [ip string, port int]
	Start      float64    `json:"start"`
	Stop       float64    `json:"stop"`
	ClientMeta ClientMeta `json:"client_meta"`
}

// ResultError carries the optional top-level error object spec.md §6
// attaches when a session terminates abnormally.
type ResultError struct {
	Message string `json:"message"`
}

// ResultBundle is the top-level JSON document spec.md §6 describes, the
// argument to the external result sink.
type ResultBundle struct {
	MetaData MetaData     `json:"meta_data"`
	Results  []*Attempt   `json:"results"`
	Error    *ResultError `json:"error,omitempty"`
}
