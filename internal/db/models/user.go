// Package models - user.go defines the User model for staff logins. Every user
// belongs to exactly one organization.
package models

import "time"

// User represents a staff account
type User struct {
	ID             string
	Username       string
	PasswordHash   string
	OrganizationID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserWithOrganization is a user joined with its organization's venue name, as
// returned to the client on login and by the profile endpoint.
type UserWithOrganization struct {
	User
	VenueName string
}
