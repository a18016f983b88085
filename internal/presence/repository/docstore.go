package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"presence-agent/internal/docstore"
	"presence-agent/internal/presence/domain"
)

const (
	usersCollection = "users"
	fieldStatus     = "status"
	fieldLastSeen   = "lastSeen"
)

// DocstoreRepository implements Repository on a document store.
type DocstoreRepository struct {
	store docstore.Store
}

// NewDocstoreRepository returns a Repository backed by store.
func NewDocstoreRepository(store docstore.Store) *DocstoreRepository {
	return &DocstoreRepository{store: store}
}

func (r *DocstoreRepository) Write(ctx context.Context, rec domain.Record) error {
	path, err := docstore.Join(usersCollection, rec.UserID)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, path, docstore.Mutation{Fields: map[string]any{
		fieldStatus:   string(rec.Status),
		fieldLastSeen: rec.LastSeen.UTC().Format(time.RFC3339Nano),
	}})
}

// Get returns nil when the user has no profile record.
func (r *DocstoreRepository) Get(ctx context.Context, userID string) (*domain.Record, error) {
	path, err := docstore.Join(usersCollection, userID)
	if err != nil {
		return nil, err
	}
	doc, err := r.store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := fromDocument(doc)
	return &rec, nil
}

func (r *DocstoreRepository) ListUsers(ctx context.Context, excludeUserID string) ([]domain.Record, error) {
	docs, err := r.store.Query(ctx, docstore.Query{Collection: usersCollection})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(docs))
	for _, d := range docs {
		if d.ID == excludeUserID {
			continue
		}
		out = append(out, fromDocument(d))
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := out[i].Status == domain.StatusOnline, out[j].Status == domain.StatusOnline
		if oi != oj {
			return oi
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

func fromDocument(d *docstore.Document) domain.Record {
	status := domain.Status(d.String(fieldStatus))
	if status != domain.StatusOnline {
		status = domain.StatusOffline
	}
	seen, _ := time.Parse(time.RFC3339Nano, d.String(fieldLastSeen))
	return domain.Record{UserID: d.ID, Status: status, LastSeen: seen}
}
