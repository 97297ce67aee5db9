package model

import "time"

// APIKey authenticates admin API callers. Only the SHA-256 hash of the raw
// key is stored.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}
