package domain

import (
	"time"
)

// UserSession is the durable mapping from a user to their most recent
// active sandbox. It lets a user adopt an existing session after a page
// reload instead of provisioning a fresh one.
type UserSession struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	PodName      string    `json:"pod_name"`
	Status       string    `json:"status"`
	IsActive     bool      `json:"is_active"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
