package domain

import "time"

// AuditLog records a security-relevant action a user took, such as terminating a session.
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
