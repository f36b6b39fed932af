package counter

import "fmt"

// Kind identifies a mutation command. Values double as the inbound event names.
type Kind string

const (
	KindIncrement         Kind = "increment"
	KindDecrement         Kind = "decrement"
	KindReset             Kind = "reset"
	KindToggleVisibility  Kind = "toggleVisibility"
	KindUpdateLineLength  Kind = "updateLineLength"
	KindUpdateMaxCapacity Kind = "updateMaxCapacity"
)

// CountType selects which counter an increment or decrement targets.
type CountType string

const (
	CountMember    CountType = "member"
	CountNonMember CountType = "nonMember"
)

// ParseCountType converts a wire value into a CountType.
func ParseCountType(s string) (CountType, error) {
	switch CountType(s) {
	case CountMember, CountNonMember:
		return CountType(s), nil
	default:
		return "", fmt.Errorf("%w: unknown count type %q", ErrInvalidCommandPayload, s)
	}
}

// Command is one validated mutation request. Only the fields relevant to Kind are set.
type Command struct {
	Kind        Kind
	Target      CountType
	Visible     bool
	LineLength  LineLength
	MaxCapacity int

	// OrganizationID is the organization the client claimed in its payload, if any.
	// It is never used for routing; the processor only checks that it matches the
	// organization bound to the connection.
	OrganizationID string
}

func Increment(t CountType) Command { return Command{Kind: KindIncrement, Target: t} }

func Decrement(t CountType) Command { return Command{Kind: KindDecrement, Target: t} }

func Reset() Command { return Command{Kind: KindReset} }

func ToggleVisibility(visible bool) Command {
	return Command{Kind: KindToggleVisibility, Visible: visible}
}

func SetLineLength(l LineLength) Command {
	return Command{Kind: KindUpdateLineLength, LineLength: l}
}

// SetMaxCapacity builds a capacity command. Negative input is clamped to zero.
func SetMaxCapacity(n int) Command {
	if n < 0 {
		n = 0
	}
	return Command{Kind: KindUpdateMaxCapacity, MaxCapacity: n}
}

// Validate checks that the command is internally consistent.
func (c Command) Validate() error {
	switch c.Kind {
	case KindIncrement, KindDecrement:
		if _, err := ParseCountType(string(c.Target)); err != nil {
			return err
		}
	case KindReset, KindToggleVisibility:
	case KindUpdateLineLength:
		if _, err := ParseLineLength(string(c.LineLength)); err != nil {
			return err
		}
	case KindUpdateMaxCapacity:
		if c.MaxCapacity < 0 {
			return fmt.Errorf("%w: negative capacity", ErrInvalidCommandPayload)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommandPayload, c.Kind)
	}
	return nil
}
