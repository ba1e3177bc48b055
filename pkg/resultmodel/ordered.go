// Package resultmodel holds the session result types described in
// spec.md §3 — Attempt, Leg, and the two insertion-ordered map types they
// carry — plus the single JSON codec allowed to (de)serialize them.
//
// Go's map type has no defined iteration order, so a plain
// map[float64]int64 cannot round-trip the "insertion-ordered timestamp map"
// spec.md §3 requires. Both ordered map types here are backed by a slice of
// pairs instead, per the design note in SPEC_FULL.md §3/§9.
package resultmodel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// TimestampMap is the insertion-ordered "t_epoch -> bytes" map described in
// spec.md §3 as `speedtest`.
type TimestampMap struct {
	entries []tsEntry
}

type tsEntry struct {
	t     float64
	bytes int64
}

// Append records one observation, preserving insertion order even if t
// collides with (or precedes) an existing key, per spec.md §3's invariant
// that timestamps are "monotonically non-decreasing but not strictly so".
func (m *TimestampMap) Append(t float64, n int64) {
	m.entries = append(m.entries, tsEntry{t: t, bytes: n})
}

// Len reports the number of recorded observations.
func (m *TimestampMap) Len() int { return len(m.entries) }

// First returns the first recorded (t, bytes) pair, used to read the
// `t_start -> 0` sentinel, and whether one exists.
func (m *TimestampMap) First() (float64, int64, bool) {
	if len(m.entries) == 0 {
		return 0, 0, false
	}
	return m.entries[0].t, m.entries[0].bytes, true
}

// Last returns the most recently recorded (t, bytes) pair.
func (m *TimestampMap) Last() (float64, int64, bool) {
	if len(m.entries) == 0 {
		return 0, 0, false
	}
	e := m.entries[len(m.entries)-1]
	return e.t, e.bytes, true
}

// TotalBytes sums the bytes field of every recorded observation.
func (m *TimestampMap) TotalBytes() int64 {
	var total int64
	for _, e := range m.entries {
		total += e.bytes
	}
	return total
}

// Each calls fn once per recorded observation, in insertion order.
func (m *TimestampMap) Each(fn func(t float64, n int64)) {
	for _, e := range m.entries {
		fn(e.t, e.bytes)
	}
}

// MarshalJSON renders the map as a JSON object whose keys are the
// stringified timestamps, in insertion order — encoding/json does not
// guarantee object key order for map[string]any, so the object body is
// built by hand.
func (m *TimestampMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(formatTimestampKey(e.t))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(e.bytes)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a {"t": bytes, ...} object. json.Decoder reports
// object keys in their source order via json.Token, which is how insertion
// order is recovered on decode.
func (m *TimestampMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("resultmodel: expected object for TimestampMap, got %v", tok)
	}
	m.entries = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("resultmodel: TimestampMap key %v is not a string", keyTok)
		}
		t, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return fmt.Errorf("resultmodel: TimestampMap key %q is not a float: %w", key, err)
		}
		var n int64
		if err := dec.Decode(&n); err != nil {
			return err
		}
		m.entries = append(m.entries, tsEntry{t: t, bytes: n})
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return err
	}
	return nil
}

func formatTimestampKey(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// JSONTimeline is the insertion-ordered "t_epoch -> arbitrary JSON object"
// map used by ClientMeta's `interface` and `gps` fields (spec.md §6):
// unlike TimestampMap's fixed byte-count value, each entry here carries
// whatever object the metadata publisher sent.
type JSONTimeline struct {
	keys []float64
	vals []json.RawMessage
}

// Append records one observation. val is marshaled immediately so later
// mutation of the caller's value can't retroactively change the entry.
func (tl *JSONTimeline) Append(t float64, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	tl.keys = append(tl.keys, t)
	tl.vals = append(tl.vals, raw)
	return nil
}

// Len reports the number of recorded observations.
func (tl *JSONTimeline) Len() int { return len(tl.keys) }

func (tl *JSONTimeline) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range tl.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(formatTimestampKey(k))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(tl.vals[i])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (tl *JSONTimeline) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("resultmodel: expected object for JSONTimeline, got %v", tok)
	}
	tl.keys = nil
	tl.vals = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("resultmodel: JSONTimeline key %v is not a string", keyTok)
		}
		t, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return fmt.Errorf("resultmodel: JSONTimeline key %q is not a float: %w", key, err)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		tl.keys = append(tl.keys, t)
		tl.vals = append(tl.vals, raw)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// HopMap is the dense, 1-based "hop -> interface IPv4 or *" map described
// in spec.md §3 as `traceroute`. Missing hops are recorded with the
// literal sentinel "*".
type HopMap struct {
	addrs []string // addrs[i] is hop i+1; "*" marks a missing hop
}

// Set records addr for hop, which must equal Len()+1 — the traceroute
// engine's "strictly appending" invariant (spec.md §4.D.3.c) is enforced
// by the caller, not here, since HopMap is also used to decode arbitrary
// JSON from the wire.
func (h *HopMap) Set(hop int, addr string) {
	for len(h.addrs) < hop {
		h.addrs = append(h.addrs, "*")
	}
	h.addrs[hop-1] = addr
}

// Len reports the highest recorded hop index.
func (h *HopMap) Len() int { return len(h.addrs) }

// Get returns the address recorded for hop, or ("", false) if hop was
// never recorded.
func (h *HopMap) Get(hop int) (string, bool) {
	if hop < 1 || hop > len(h.addrs) {
		return "", false
	}
	return h.addrs[hop-1], true
}

// ResolvedCount reports how many recorded hops resolved to a real address
// rather than the "*" sentinel.
func (h *HopMap) ResolvedCount() int {
	n := 0
	for _, addr := range h.addrs {
		if addr != "*" {
			n++
		}
	}
	return n
}

// DensePrefix reports whether the recorded hops form a gapless prefix of
// 1..30 with no key beyond 30, per spec.md §8 invariant 2.
func (h *HopMap) DensePrefix() bool {
	return len(h.addrs) <= 30
}

func (h *HopMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, addr := range h.addrs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(strconv.Itoa(i + 1))
		val, err := json.Marshal(addr)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (h *HopMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("resultmodel: expected object for HopMap, got %v", tok)
	}
	raw := map[int]string{}
	maxHop := 0
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("resultmodel: HopMap key %v is not a string", keyTok)
		}
		hop, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("resultmodel: HopMap key %q is not an int: %w", key, err)
		}
		var addr string
		if err := dec.Decode(&addr); err != nil {
			return err
		}
		raw[hop] = addr
		if hop > maxHop {
			maxHop = hop
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	h.addrs = make([]string, maxHop)
	for hop, addr := range raw {
		h.addrs[hop-1] = addr
	}
	for i := range h.addrs {
		if h.addrs[i] == "" {
			h.addrs[i] = "*"
		}
	}
	return nil
}
