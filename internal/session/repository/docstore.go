package repository

import (
	"context"
	"errors"
	"time"

	devicedomain "presence-agent/internal/device/domain"
	"presence-agent/internal/docstore"
	"presence-agent/internal/session/domain"
)

const (
	fieldUserID       = "userId"
	fieldDeviceInfo   = "deviceInfo"
	fieldCreatedAt    = "createdAt"
	fieldLastActive   = "lastActive"
	fieldIsActive     = "isActive"
	fieldStatus       = "status"
	fieldPlatform     = "platform"
	fieldAppVersion   = "appVersion"
	fieldTerminatedAt = "terminatedAt"

	statusActive = "active"
)

// DocstoreRepository implements Repository on a document store.
type DocstoreRepository struct {
	store docstore.Store
}

// NewDocstoreRepository returns a Repository backed by store.
func NewDocstoreRepository(store docstore.Store) *DocstoreRepository {
	return &DocstoreRepository{store: store}
}

func sessionPath(userID, sessionID string) (string, error) {
	return docstore.Join("users", userID, "sessions", sessionID)
}

func sessionsCollection(userID string) (string, error) {
	return docstore.Join("users", userID, "sessions")
}

func (r *DocstoreRepository) GetByID(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	path, err := sessionPath(userID, sessionID)
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
	return FromDocument(userID, doc), nil
}

func (r *DocstoreRepository) ListActive(ctx context.Context, userID string) ([]*domain.Session, error) {
	q, err := activeQuery(userID)
	if err != nil {
		return nil, err
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0, len(docs))
	for _, d := range docs {
		out = append(out, FromDocument(userID, d))
	}
	return out, nil
}

func (r *DocstoreRepository) Upsert(ctx context.Context, s *domain.Session) error {
	path, err := sessionPath(s.UserID, s.ID)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, path, docstore.Mutation{
		Fields: map[string]any{
			fieldUserID:     s.UserID,
			fieldDeviceInfo: deviceInfoToMap(s.DeviceInfo),
			fieldLastActive: formatTime(s.LastActive),
			fieldIsActive:   s.IsActive,
			fieldStatus:     statusActive,
			fieldPlatform:   s.Platform,
			fieldAppVersion: s.AppVersion,
		},
		SetOnInsert: map[string]any{fieldCreatedAt: formatTime(s.CreatedAt)},
	})
}

func (r *DocstoreRepository) TouchLastActive(ctx context.Context, userID, sessionID string, at time.Time) error {
	path, err := sessionPath(userID, sessionID)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, path, map[string]any{fieldLastActive: formatTime(at)})
}

func (r *DocstoreRepository) MarkInactive(ctx context.Context, userID, sessionID string, at time.Time) error {
	path, err := sessionPath(userID, sessionID)
	if err != nil {
		return err
	}
	return r.store.Update(ctx, path, map[string]any{
		fieldIsActive:     false,
		fieldTerminatedAt: formatTime(at),
	})
}

func (r *DocstoreRepository) Delete(ctx context.Context, userID, sessionID string) error {
	path, err := sessionPath(userID, sessionID)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, path)
}

// WatchActive reports additions and removals in the user's active sessions. Modifications such as
// heartbeats are not reported.
func (r *DocstoreRepository) WatchActive(ctx context.Context, userID string, onChange func(ChangeSet), onError func(error)) (docstore.Subscription, error) {
	q, err := activeQuery(userID)
	if err != nil {
		return nil, err
	}
	return r.store.Watch(ctx, q, func(snap docstore.Snapshot) {
		cs := ChangeSet{Initial: snap.Initial}
		for _, c := range snap.Changes {
			switch c.Type {
			case docstore.ChangeAdded:
				cs.Added = append(cs.Added, FromDocument(userID, c.Doc))
			case docstore.ChangeRemoved:
				cs.Removed = append(cs.Removed, FromDocument(userID, c.Doc))
			}
		}
		if cs.Initial || len(cs.Added) > 0 || len(cs.Removed) > 0 {
			onChange(cs)
		}
	}, onError)
}

func activeQuery(userID string) (docstore.Query, error) {
	coll, err := sessionsCollection(userID)
	if err != nil {
		return docstore.Query{}, err
	}
	return docstore.Query{Collection: coll}.Where(fieldIsActive, true), nil
}

// FromDocument maps a stored record to a Session. Missing device fields default to "Unknown".
func FromDocument(userID string, doc *docstore.Document) *domain.Session {
	s := &domain.Session{
		ID:         doc.ID,
		UserID:     userID,
		DeviceInfo: deviceInfoFromMap(doc.Map(fieldDeviceInfo)),
		Platform:   doc.String(fieldPlatform),
		AppVersion: doc.String(fieldAppVersion),
		CreatedAt:  parseTime(doc.String(fieldCreatedAt)),
		LastActive: parseTime(doc.String(fieldLastActive)),
		IsActive:   doc.Bool(fieldIsActive),
	}
	if stored := doc.String(fieldUserID); stored != "" {
		s.UserID = stored
	}
	if ts := doc.String(fieldTerminatedAt); ts != "" {
		t := parseTime(ts)
		s.TerminatedAt = &t
	}
	return s
}

const unknown = "Unknown"

func deviceInfoToMap(info devicedomain.Info) map[string]any {
	m := map[string]any{
		"platform":   info.Platform,
		"deviceName": info.DeviceName,
		"os":         info.OS,
		"deviceId":   info.DeviceID,
	}
	if info.Brand != "" {
		m["brand"] = info.Brand
	}
	if info.Model != "" {
		m["model"] = info.Model
	}
	if info.Fingerprint != "" {
		m["fingerprint"] = info.Fingerprint
	}
	return m
}

func deviceInfoFromMap(m map[string]any) devicedomain.Info {
	str := func(k, fallback string) string {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
		return fallback
	}
	return devicedomain.Info{
		Platform:    str("platform", unknown),
		DeviceName:  str("deviceName", unknown),
		OS:          str("os", unknown),
		DeviceID:    str("deviceId", ""),
		Brand:       str("brand", ""),
		Model:       str("model", ""),
		Fingerprint: str("fingerprint", ""),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
