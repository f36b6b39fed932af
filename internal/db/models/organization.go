// Package models - organization.go defines the Organization model: one venue whose
// staff share a single live counter.
package models

import "time"

// Organization represents a venue. ID is the identifier clients send as
// organizationId and is the key of the organization's counter state.
type Organization struct {
	ID        string    `db:"id"`
	VenueName string    `db:"venue_name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
