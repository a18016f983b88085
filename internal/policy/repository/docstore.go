package repository

import (
	"context"
	"errors"
	"os"
	"time"

	"presence-agent/internal/docstore"
	"presence-agent/internal/policy/domain"
)

const policiesCollection = "policies"

// DocstoreRepository keeps policies at policies/{id}.
type DocstoreRepository struct {
	store docstore.Store
}

// NewDocstoreRepository returns a Repository backed by store.
func NewDocstoreRepository(store docstore.Store) *DocstoreRepository {
	return &DocstoreRepository{store: store}
}

// Put creates or replaces p.
func (r *DocstoreRepository) Put(ctx context.Context, p *domain.Policy) error {
	path, err := docstore.Join(policiesCollection, p.ID)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, path, docstore.Mutation{
		Fields: map[string]any{"rules": p.Rules, "enabled": p.Enabled},
		SetOnInsert: map[string]any{
			"createdAt": p.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

func (r *DocstoreRepository) ListEnabled(ctx context.Context) ([]*domain.Policy, error) {
	docs, err := r.store.Query(ctx, docstore.Query{Collection: policiesCollection}.Where("enabled", true))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Policy, 0, len(docs))
	for _, d := range docs {
		created, _ := time.Parse(time.RFC3339Nano, d.String("createdAt"))
		out = append(out, &domain.Policy{ID: d.ID, Rules: d.String("rules"), Enabled: true, CreatedAt: created})
	}
	return out, nil
}

// FileRepository serves a single Rego file. A missing file means no overrides.
type FileRepository struct {
	path string
}

// NewFileRepository returns a Repository reading path on every call, so edits apply without a restart.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

func (r *FileRepository) ListEnabled(context.Context) ([]*domain.Policy, error) {
	if r.path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*domain.Policy{{ID: r.path, Rules: string(raw), Enabled: true}}, nil
}

// Chain concatenates the policies of several repositories.
type Chain []Repository

func (c Chain) ListEnabled(ctx context.Context) ([]*domain.Policy, error) {
	var out []*domain.Policy
	for _, r := range c {
		ps, err := r.ListEnabled(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}
