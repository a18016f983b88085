package engine

import (
	"context"

	"presence-agent/internal/policy/domain"
)

// Evaluator decides session access requests using OPA or other engines.
type Evaluator interface {
	AuthorizeSession(ctx context.Context, req domain.AccessRequest) (domain.Decision, error)
}
