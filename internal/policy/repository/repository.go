package repository

import (
	"context"

	"presence-agent/internal/policy/domain"
)

// Repository lists policy overrides.
type Repository interface {
	ListEnabled(ctx context.Context) ([]*domain.Policy, error)
}
