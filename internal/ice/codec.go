// Package ice converts between the relay's candidate wire formats and a
// normalized candidate record. The relay forwards whatever the viewer side
// produces, so two shapes arrive in practice: a single SDP attribute string
// plus sdpMid/sdpMLineIndex, or a pre-decomposed field set.
package ice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ErrDropped marks a candidate that cannot be normalized and must be
// discarded. Callers log and continue; a dropped candidate is never fatal.
var ErrDropped = errors.New("candidate dropped")

// Record is the normalized candidate form handed to the transport engine.
// Address and Port are always populated; records failing that are never
// produced.
type Record struct {
	Foundation    string
	Component     int
	Protocol      string
	Priority      uint32
	Address       string
	Port          int
	Type          string
	SDPMid        string
	SDPMLineIndex uint16
}

// Wire is the shape-1 candidate object emitted on the relay. sdpMLineIndex
// and sdpMid are pinned to the first m-line: this node publishes a single
// video(+audio) session, so the assumption holds by construction.
type Wire struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// wireFields overlays every field either shape may carry.
type wireFields struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`

	Foundation json.RawMessage `json:"foundation"`
	Component  *int            `json:"component"`
	Protocol   string          `json:"protocol"`
	Priority   *uint32         `json:"priority"`
	IP         string          `json:"ip"`
	Address    string          `json:"address"`
	Port       *int            `json:"port"`
	Type       string          `json:"type"`
}

// Decode normalizes a wire candidate object of either shape. A return error
// wrapping ErrDropped means the candidate is unusable and should be skipped.
func Decode(raw []byte) (Record, error) {
	var w wireFields
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, fmt.Errorf("%w: undecodable payload: %v", ErrDropped, err)
	}

	mid := "0"
	if w.SDPMid != nil {
		mid = *w.SDPMid
	}
	var mLine uint16
	if w.SDPMLineIndex != nil {
		mLine = *w.SDPMLineIndex
	}

	// Shape 1: an SDP candidate attribute string.
	if w.Candidate != "" {
		rec, err := ParseAttribute(w.Candidate)
		if err != nil {
			return Record{}, err
		}
		rec.SDPMid = mid
		rec.SDPMLineIndex = mLine
		return rec, nil
	}

	// Shape 2: decomposed fields with defaults for the optional ones.
	rec := Record{
		Foundation:    "1",
		Component:     1,
		Protocol:      "udp",
		Priority:      1,
		Type:          "host",
		SDPMid:        mid,
		SDPMLineIndex: mLine,
	}
	if len(w.Foundation) > 0 {
		// Some peers send the foundation as a bare number.
		var s string
		if err := json.Unmarshal(w.Foundation, &s); err == nil {
			rec.Foundation = s
		} else {
			var n int
			if err := json.Unmarshal(w.Foundation, &n); err == nil {
				rec.Foundation = strconv.Itoa(n)
			}
		}
	}
	if w.Component != nil {
		rec.Component = *w.Component
	}
	if w.Protocol != "" {
		rec.Protocol = strings.ToLower(w.Protocol)
	}
	if w.Priority != nil {
		rec.Priority = *w.Priority
	}
	if w.Type != "" {
		rec.Type = w.Type
	}
	rec.Address = w.IP
	if rec.Address == "" {
		rec.Address = w.Address
	}
	if w.Port != nil {
		rec.Port = *w.Port
	}

	if rec.Address == "" || rec.Port == 0 {
		return Record{}, fmt.Errorf("%w: missing address/port (address=%q port=%d)",
			ErrDropped, rec.Address, rec.Port)
	}
	return rec, nil
}

// ParseAttribute tokenizes an SDP candidate attribute string:
//
//	candidate:<foundation> <component> <proto> <priority> <ip> <port> typ <type> ...
//
// An optional leading "a=" (as found in a raw session description) is
// accepted. sdpMid/sdpMLineIndex are left at their zero values; Decode fills
// them from the enclosing object.
func ParseAttribute(s string) (Record, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "a=")

	parts := strings.Fields(s)
	if len(parts) < 8 {
		return Record{}, fmt.Errorf("%w: short candidate string (%d tokens)", ErrDropped, len(parts))
	}
	if !strings.HasPrefix(parts[0], "candidate:") {
		return Record{}, fmt.Errorf("%w: missing candidate: prefix", ErrDropped)
	}

	component, err := strconv.Atoi(parts[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: component %q: %v", ErrDropped, parts[1], err)
	}
	priority, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("%w: priority %q: %v", ErrDropped, parts[3], err)
	}
	port, err := strconv.Atoi(parts[5])
	if err != nil {
		return Record{}, fmt.Errorf("%w: port %q: %v", ErrDropped, parts[5], err)
	}

	rec := Record{
		Foundation: strings.TrimPrefix(parts[0], "candidate:"),
		Component:  component,
		Protocol:   strings.ToLower(parts[2]),
		Priority:   uint32(priority),
		Address:    parts[4],
		Port:       port,
		Type:       "host",
		SDPMid:     "0",
	}
	for i := 6; i+1 < len(parts); i++ {
		if parts[i] == "typ" {
			rec.Type = parts[i+1]
			break
		}
	}

	if rec.Address == "" || rec.Port == 0 {
		return Record{}, fmt.Errorf("%w: missing address/port", ErrDropped)
	}
	return rec, nil
}

// Encode re-serializes a record as a shape-1 wire candidate. The m-line
// fields are pinned to the first media section regardless of the record.
func Encode(r Record) Wire {
	return Wire{
		Candidate: fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
			r.Foundation, r.Component, r.Protocol, r.Priority, r.Address, r.Port, r.Type),
		SDPMLineIndex: 0,
		SDPMid:        "0",
	}
}

// Init converts the record to the transport engine's native candidate form.
func (r Record) Init() webrtc.ICECandidateInit {
	w := Encode(r)
	mid := w.SDPMid
	idx := w.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     w.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
