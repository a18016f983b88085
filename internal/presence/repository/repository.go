package repository

import (
	"context"

	"presence-agent/internal/presence/domain"
)

// Repository persists presence on user profile records.
type Repository interface {
	// Write merges status and lastSeen into users/{userId}.
	Write(ctx context.Context, r domain.Record) error
	Get(ctx context.Context, userID string) (*domain.Record, error)
	// ListUsers returns the presence of every user except excludeUserID, online users first.
	ListUsers(ctx context.Context, excludeUserID string) ([]domain.Record, error)
}
