package models

import "time"

// OrganizationState is the persisted row of an organization's counter.
// MaxCapacity is nil when no capacity has been set.
type OrganizationState struct {
	OrganizationID string    `db:"organization_id"`
	MemberCount    int       `db:"member_count"`
	NonMemberCount int       `db:"non_member_count"`
	Visible        bool      `db:"visible"`
	MaxCapacity    *int      `db:"max_capacity"`
	LineLength     string    `db:"line_length"`
	Version        int64     `db:"version"`
	UpdatedAt      time.Time `db:"updated_at"`
}
