package domain

import (
	"time"

	devicedomain "presence-agent/internal/device/domain"
)

// Session is one device's authenticated presence for a user.
type Session struct {
	ID           string
	UserID       string
	DeviceInfo   devicedomain.Info
	Platform     string
	AppVersion   string
	CreatedAt    time.Time
	LastActive   time.Time
	IsActive     bool
	TerminatedAt *time.Time // set just before the record is deleted
	// IsCurrentSession is computed for listings, never stored.
	IsCurrentSession bool
}

// EndReason says why a local session ended.
type EndReason string

const (
	// ReasonTerminated: this device terminated its own session.
	ReasonTerminated EndReason = "terminated"
	// ReasonRemoteTermination: another device removed this session's record.
	ReasonRemoteTermination EndReason = "remote_termination"
	// ReasonPermissionDenied: the store rejected this device's credentials.
	ReasonPermissionDenied EndReason = "permission_denied"
	// ReasonLogout: explicit sign-out on this device.
	ReasonLogout EndReason = "logout"
)

// Ended is published once per local session when it stops being live.
type Ended struct {
	Reason    EndReason
	UserID    string
	SessionID string
	At        time.Time
}

// NewSessionDetected is published when another device of the same user registers a session.
type NewSessionDetected struct {
	UserID           string
	CurrentSessionID string
	Session          *Session
	At               time.Time
}
