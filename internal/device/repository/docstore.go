package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"presence-agent/internal/device/domain"
	"presence-agent/internal/docstore"
)

// DocstoreRepository stores devices at users/{userId}/devices/{fingerprint}.
type DocstoreRepository struct {
	store docstore.Store
}

// NewDocstoreRepository returns a Repository backed by store.
func NewDocstoreRepository(store docstore.Store) *DocstoreRepository {
	return &DocstoreRepository{store: store}
}

// GetByFingerprint returns the device or nil when unknown.
func (r *DocstoreRepository) GetByFingerprint(ctx context.Context, userID, fingerprint string) (*domain.Device, error) {
	path, err := docstore.Join("users", userID, "devices", fingerprint)
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
	return fromDocument(userID, doc), nil
}

// ListByUser returns the user's devices, most recently seen first.
func (r *DocstoreRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	coll, err := docstore.Join("users", userID, "devices")
	if err != nil {
		return nil, err
	}
	docs, err := r.store.Query(ctx, docstore.Query{Collection: coll})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Device, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDocument(userID, d))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (r *DocstoreRepository) Touch(ctx context.Context, userID string, info domain.Info, at time.Time) error {
	if info.Fingerprint == "" {
		return nil
	}
	path, err := docstore.Join("users", userID, "devices", info.Fingerprint)
	if err != nil {
		return err
	}
	ts := at.UTC().Format(time.RFC3339Nano)
	return r.store.Set(ctx, path, docstore.Mutation{
		Fields: map[string]any{
			"deviceName": info.DeviceName,
			"platform":   info.Platform,
			"os":         info.OS,
			"lastSeenAt": ts,
		},
		SetOnInsert: map[string]any{"firstSeenAt": ts},
	})
}

func fromDocument(userID string, doc *docstore.Document) *domain.Device {
	d := &domain.Device{
		Fingerprint: doc.ID,
		UserID:      userID,
		DeviceName:  doc.String("deviceName"),
		Platform:    doc.String("platform"),
		OS:          doc.String("os"),
	}
	d.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, doc.String("firstSeenAt"))
	d.LastSeenAt, _ = time.Parse(time.RFC3339Nano, doc.String("lastSeenAt"))
	return d
}
