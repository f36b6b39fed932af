package counter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Outbound event names.
const (
	EventUpdateCounter     = "updateCounter"
	EventUpdateVisibility  = "updateVisibility"
	EventUpdateLineLength  = "updateLineLength"
	EventUpdateMaxCapacity = "updateMaxCapacity"
	EventError             = "error"
)

// Frame is one named event on the wire: {"event": "...", "data": ...}.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// InboundFrame is a frame received from a client before its payload is decoded.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// CounterPayload is the data of an updateCounter event.
type CounterPayload struct {
	MemberCount    int `json:"memberCount"`
	NonMemberCount int `json:"nonMemberCount"`
}

// ErrorPayload is the data of an error event sent to the connection whose command was
// rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateFrames renders the full state as the ordered list of outbound events.
func StateFrames(s State) []Frame {
	var capacity any
	if s.MaxCapacity != nil {
		capacity = *s.MaxCapacity
	}
	lineLength := s.LineLength
	if lineLength == "" {
		lineLength = LineLengthNone
	}
	return []Frame{
		{Event: EventUpdateCounter, Data: CounterPayload{MemberCount: s.MemberCount, NonMemberCount: s.NonMemberCount}},
		{Event: EventUpdateVisibility, Data: s.Visible},
		{Event: EventUpdateLineLength, Data: lineLength},
		{Event: EventUpdateMaxCapacity, Data: capacity},
	}
}

// EncodeFrames marshals frames into one JSON text message each.
func EncodeFrames(frames []Frame) ([][]byte, error) {
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s frame: %w", f.Event, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ErrorFrame builds an error event.
func ErrorFrame(code, message string) Frame {
	return Frame{Event: EventError, Data: ErrorPayload{Code: code, Message: message}}
}

// DecodeFrame parses a raw client message into its event name and payload.
func DecodeFrame(raw []byte) (InboundFrame, error) {
	var f InboundFrame
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&f); err != nil {
		return InboundFrame{}, fmt.Errorf("%w: %v", ErrInvalidCommandPayload, err)
	}
	if f.Event == "" {
		return InboundFrame{}, fmt.Errorf("%w: missing event name", ErrInvalidCommandPayload)
	}
	return f, nil
}

// countPayload is the object form of increment, decrement and reset payloads.
type countPayload struct {
	OrganizationID json.RawMessage `json:"organizationId"`
	Type           string          `json:"type"`
}

// DecodeCommand turns a named inbound event into a validated Command.
//
// increment and decrement accept {"organizationId": ..., "type": "member"}, a bare
// count type string, or a bare organization id (which targets the member count, as
// sent by single-counter clients). reset accepts an object, a bare organization id, or
// no payload at all.
func DecodeCommand(event string, data json.RawMessage) (Command, error) {
	data = bytes.TrimSpace(data)
	switch Kind(event) {
	case KindIncrement, KindDecrement:
		orgID, target, err := decodeCountPayload(data)
		if err != nil {
			return Command{}, err
		}
		cmd := Command{Kind: Kind(event), Target: target, OrganizationID: orgID}
		return cmd, cmd.Validate()

	case KindReset:
		orgID, _, err := decodeCountPayload(data)
		if err != nil {
			return Command{}, err
		}
		cmd := Reset()
		cmd.OrganizationID = orgID
		return cmd, nil

	case KindToggleVisibility:
		var visible bool
		if err := json.Unmarshal(data, &visible); err != nil || isNull(data) {
			return Command{}, fmt.Errorf("%w: toggleVisibility expects a boolean", ErrInvalidCommandPayload)
		}
		return ToggleVisibility(visible), nil

	case KindUpdateLineLength:
		var s string
		if err := json.Unmarshal(data, &s); err != nil || isNull(data) {
			return Command{}, fmt.Errorf("%w: updateLineLength expects a string", ErrInvalidCommandPayload)
		}
		l, err := ParseLineLength(s)
		if err != nil {
			return Command{}, err
		}
		return SetLineLength(l), nil

	case KindUpdateMaxCapacity:
		n, err := decodeNonFractional(data)
		if err != nil {
			return Command{}, err
		}
		return SetMaxCapacity(n), nil

	default:
		return Command{}, fmt.Errorf("%w: unknown event %q", ErrInvalidCommandPayload, event)
	}
}

func decodeCountPayload(data json.RawMessage) (orgID string, target CountType, err error) {
	target = CountMember
	if len(data) == 0 || isNull(data) {
		return "", target, nil
	}

	switch data[0] {
	case '{':
		var p countPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidCommandPayload, err)
		}
		if p.Type != "" {
			if target, err = ParseCountType(p.Type); err != nil {
				return "", "", err
			}
		}
		orgID, err = decodeOrganizationRef(p.OrganizationID)
		return orgID, target, err

	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidCommandPayload, err)
		}
		if t, err := ParseCountType(s); err == nil {
			return "", t, nil
		}
		return s, target, nil

	default:
		orgID, err = decodeOrganizationRef(data)
		return orgID, target, err
	}
}

// decodeOrganizationRef accepts an organization id encoded as a JSON string or an
// integer JSON number.
func decodeOrganizationRef(data json.RawMessage) (string, error) {
	if len(data) == 0 || isNull(data) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("%w: organizationId must be a string or number", ErrInvalidCommandPayload)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("%w: organizationId must be an integer", ErrInvalidCommandPayload)
	}
	return n.String(), nil
}

// decodeNonFractional accepts a JSON number or numeric string with no fractional part.
func decodeNonFractional(data json.RawMessage) (int, error) {
	if len(data) == 0 || isNull(data) {
		return 0, fmt.Errorf("%w: updateMaxCapacity expects a number", ErrInvalidCommandPayload)
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidCommandPayload, err)
		}
		raw = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: updateMaxCapacity expects a number", ErrInvalidCommandPayload)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: capacity must be a whole number", ErrInvalidCommandPayload)
	}
	if f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: capacity too large", ErrInvalidCommandPayload)
	}
	if f < 0 {
		return 0, nil
	}
	return int(f), nil
}

func isNull(data json.RawMessage) bool {
	return string(data) == "null"
}
