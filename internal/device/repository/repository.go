package repository

import (
	"context"
	"time"

	"presence-agent/internal/device/domain"
)

// Repository defines persistence for the devices a user has signed in from.
type Repository interface {
	GetByFingerprint(ctx context.Context, userID, fingerprint string) (*domain.Device, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Device, error)
	// Touch records a sign-in from info at the given time, creating the device on first sight.
	Touch(ctx context.Context, userID string, info domain.Info, at time.Time) error
}
