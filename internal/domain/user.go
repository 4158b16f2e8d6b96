// Package domain contains core domain types for the chatpact engine.
package domain

import (
	"time"
)

// User is a stable end-user identity. ExternalRef is the opaque reference
// agents record as their creator.
type User struct {
	UserID      string    `json:"user_id"`
	ExternalRef string    `json:"external_ref"`
	Username    string    `json:"username"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
