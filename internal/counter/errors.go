package counter

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCommandPayload is returned for malformed inbound events: unknown event
	// names, unknown count types or line lengths, and non-numeric capacities.
	ErrInvalidCommandPayload = errors.New("invalid command payload")

	// ErrInvalidOrganization is returned when an organization identifier is not
	// well formed.
	ErrInvalidOrganization = errors.New("invalid organization")
)

const maxOrganizationIDLength = 64

// ValidateOrganizationID checks that id is non-empty, at most 64 characters, and only
// contains ASCII letters, digits, '-' or '_'.
func ValidateOrganizationID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidOrganization)
	}
	if len(id) > maxOrganizationIDLength {
		return fmt.Errorf("%w: identifier longer than %d characters", ErrInvalidOrganization, maxOrganizationIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: illegal character %q", ErrInvalidOrganization, r)
		}
	}
	return nil
}
