package repository

import (
	"context"
	"time"

	"presence-agent/internal/docstore"
	"presence-agent/internal/session/domain"
)

// ChangeSet is one delivery of a live query over a user's active sessions.
type ChangeSet struct {
	// Initial marks the baseline delivered when the watch starts.
	Initial bool
	Added   []*domain.Session
	Removed []*domain.Session
}

// Repository defines persistence for session records at users/{userId}/sessions/{sessionId}.
type Repository interface {
	// GetByID returns the session or nil when it does not exist.
	GetByID(ctx context.Context, userID, sessionID string) (*domain.Session, error)
	ListActive(ctx context.Context, userID string) ([]*domain.Session, error)
	// Upsert writes s with merge semantics; CreatedAt is only written when the record is new.
	Upsert(ctx context.Context, s *domain.Session) error
	// TouchLastActive merges lastActive into an existing record; docstore.ErrNotFound when it is gone.
	TouchLastActive(ctx context.Context, userID, sessionID string, at time.Time) error
	MarkInactive(ctx context.Context, userID, sessionID string, at time.Time) error
	Delete(ctx context.Context, userID, sessionID string) error
	WatchActive(ctx context.Context, userID string, onChange func(ChangeSet), onError func(error)) (docstore.Subscription, error)
}
