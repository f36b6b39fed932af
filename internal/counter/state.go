// Package counter defines the attendance counter domain: the per-organization state,
// the mutation commands staff clients can issue, the pure transition function that
// applies them, and the JSON wire format exchanged with connected clients.
//
// Nothing in this package holds locks or performs I/O. Sequencing and ownership of
// state live in the statestore package; fan-out lives in the broadcast package.
package counter

import (
	"fmt"
	"strings"
	"time"
)

// LineLength is the coarse queue indicator shown on the display surface instead of
// the numeric count.
type LineLength string

const (
	// LineLengthNone means no indicator is shown. The wire value matches the
	// spelling the browser client sends.
	LineLengthNone   LineLength = "no_line"
	LineLengthShort  LineLength = "short"
	LineLengthMedium LineLength = "medium"
	LineLengthLong   LineLength = "long"
)

// ParseLineLength converts a wire value into a LineLength. "none" is accepted as an
// alias for "no_line".
func ParseLineLength(s string) (LineLength, error) {
	switch strings.TrimSpace(s) {
	case string(LineLengthNone), "none":
		return LineLengthNone, nil
	case string(LineLengthShort):
		return LineLengthShort, nil
	case string(LineLengthMedium):
		return LineLengthMedium, nil
	case string(LineLengthLong):
		return LineLengthLong, nil
	default:
		return "", fmt.Errorf("%w: unknown line length %q", ErrInvalidCommandPayload, s)
	}
}

// Shown reports whether an indicator other than none is selected.
func (l LineLength) Shown() bool {
	return l != LineLengthNone && l != ""
}

// State is the authoritative counter state of one organization.
type State struct {
	MemberCount    int        `json:"memberCount"`
	NonMemberCount int        `json:"nonMemberCount"`
	Visible        bool       `json:"visible"`
	MaxCapacity    *int       `json:"maxCapacity"`
	LineLength     LineLength `json:"lineLength"`

	// Version increases by one on every state-changing command. Receivers use it
	// to discard publishes that arrive after a newer one.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultState returns the state of an organization that has never been touched.
func DefaultState() State {
	return State{
		Visible:    true,
		LineLength: LineLengthNone,
	}
}

// Total is the combined member and non-member count.
func (s State) Total() int {
	return s.MemberCount + s.NonMemberCount
}

// Clone returns a deep copy so callers can never alias MaxCapacity.
func (s State) Clone() State {
	out := s
	if s.MaxCapacity != nil {
		v := *s.MaxCapacity
		out.MaxCapacity = &v
	}
	return out
}

// Equal compares the observable fields, ignoring Version and UpdatedAt.
func (s State) Equal(o State) bool {
	if s.MemberCount != o.MemberCount || s.NonMemberCount != o.NonMemberCount ||
		s.Visible != o.Visible || s.LineLength != o.LineLength {
		return false
	}
	switch {
	case s.MaxCapacity == nil && o.MaxCapacity == nil:
		return true
	case s.MaxCapacity == nil || o.MaxCapacity == nil:
		return false
	default:
		return *s.MaxCapacity == *o.MaxCapacity
	}
}

// Normalize repairs a state loaded from an external source so that it satisfies the
// domain invariants: counts are never negative, capacity is never negative, an
// unknown or empty line length becomes none, and a shown line length hides the count.
func (s State) Normalize() State {
	out := s.Clone()
	if out.MemberCount < 0 {
		out.MemberCount = 0
	}
	if out.NonMemberCount < 0 {
		out.NonMemberCount = 0
	}
	if out.MaxCapacity != nil && *out.MaxCapacity < 0 {
		zero := 0
		out.MaxCapacity = &zero
	}
	if l, err := ParseLineLength(string(out.LineLength)); err == nil {
		out.LineLength = l
	} else {
		out.LineLength = LineLengthNone
	}
	if out.LineLength.Shown() {
		out.Visible = false
	}
	return out
}
