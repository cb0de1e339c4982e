package auth

import "time"

// User is a sender account able to create and manage envelopes.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Status       string
	FailedLogins int
	LockedUntil  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshToken represents a persisted refresh token. Only a SHA-256 hash of
// the token is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}
