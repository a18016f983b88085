package domain

import "time"

// Policy is a Rego module overriding the built-in session access policy.
type Policy struct {
	ID        string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}

// Actions checked against the session access policy.
const (
	ActionListSessions     = "list_sessions"
	ActionTerminateSession = "terminate_session"
)

// AccessRequest asks whether the caller may perform Action on the target session.
type AccessRequest struct {
	Action          string
	CallerUserID    string
	CallerSessionID string
	TargetUserID    string
	TargetSessionID string
}

// Decision is the policy outcome.
type Decision struct {
	Allow  bool
	Reason string
}
