package repository

import (
	"context"
	"sort"
	"time"

	"presence-agent/internal/audit/domain"
	"presence-agent/internal/docstore"
)

// DocstoreRepository stores entries at users/{userId}/audit/{id}.
type DocstoreRepository struct {
	store docstore.Store
}

// NewDocstoreRepository returns a Repository backed by store.
func NewDocstoreRepository(store docstore.Store) *DocstoreRepository {
	return &DocstoreRepository{store: store}
}

func (r *DocstoreRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	path, err := docstore.Join("users", a.UserID, "audit", a.ID)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, path, docstore.Mutation{Fields: map[string]any{
		"userId":    a.UserID,
		"action":    a.Action,
		"resource":  a.Resource,
		"ip":        a.IP,
		"metadata":  a.Metadata,
		"createdAt": a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}})
}

func (r *DocstoreRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.AuditLog, error) {
	coll, err := docstore.Join("users", userID, "audit")
	if err != nil {
		return nil, err
	}
	docs, err := r.store.Query(ctx, docstore.Query{Collection: coll})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.AuditLog, 0, len(docs))
	for _, d := range docs {
		created, _ := time.Parse(time.RFC3339Nano, d.String("createdAt"))
		out = append(out, &domain.AuditLog{
			ID:        d.ID,
			UserID:    userID,
			Action:    d.String("action"),
			Resource:  d.String("resource"),
			IP:        d.String("ip"),
			Metadata:  d.String("metadata"),
			CreatedAt: created,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
