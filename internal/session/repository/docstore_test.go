package repository

import (
	"context"
	"testing"
	"time"

	devicedomain "presence-agent/internal/device/domain"
	"presence-agent/internal/docstore"
	"presence-agent/internal/session/domain"
)

var t0 = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

func newSession(id string, lastActive time.Time) *domain.Session {
	return &domain.Session{
		ID:         id,
		UserID:     "u1",
		DeviceInfo: devicedomain.Info{Platform: "linux", DeviceName: "laptop", OS: "linux 6.1", DeviceID: "d-" + id},
		Platform:   "linux",
		AppVersion: "1.2.0",
		CreatedAt:  lastActive,
		LastActive: lastActive,
		IsActive:   true,
	}
}

func TestUpsert_CreatedAtSetOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewDocstoreRepository(docstore.NewMemoryStore(nil))
	s := newSession("s1", t0)
	if err := repo.Upsert(ctx, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	again := newSession("s1", t0.Add(time.Hour))
	if err := repo.Upsert(ctx, again); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := repo.GetByID(ctx, "u1", "s1")
	if err != nil || got == nil {
		t.Fatalf("GetByID = %v, %v", got, err)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}
	if !got.LastActive.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastActive = %v, want %v", got.LastActive, t0.Add(time.Hour))
	}
	if got.DeviceInfo.DeviceName != "laptop" || got.AppVersion != "1.2.0" || !got.IsActive {
		t.Errorf("session = %+v", got)
	}
}

func TestGetByID_Missing(t *testing.T) {
	repo := NewDocstoreRepository(docstore.NewMemoryStore(nil))
	got, err := repo.GetByID(context.Background(), "u1", "nope")
	if err != nil || got != nil {
		t.Errorf("GetByID = %v, %v, want nil, nil", got, err)
	}
}

func TestTouchAndMarkInactive(t *testing.T) {
	ctx := context.Background()
	repo := NewDocstoreRepository(docstore.NewMemoryStore(nil))
	_ = repo.Upsert(ctx, newSession("s1", t0))
	if err := repo.TouchLastActive(ctx, "u1", "s1", t0.Add(time.Minute)); err != nil {
		t.Fatalf("TouchLastActive: %v", err)
	}
	if err := repo.MarkInactive(ctx, "u1", "s1", t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("MarkInactive: %v", err)
	}
	got, _ := repo.GetByID(ctx, "u1", "s1")
	if got.IsActive {
		t.Error("IsActive = true after MarkInactive")
	}
	if got.TerminatedAt == nil || !got.TerminatedAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("TerminatedAt = %v", got.TerminatedAt)
	}
	active, _ := repo.ListActive(ctx, "u1")
	if len(active) != 0 {
		t.Errorf("ListActive = %d sessions, want 0", len(active))
	}
	if err := repo.TouchLastActive(ctx, "u1", "gone", t0); err == nil {
		t.Error("TouchLastActive on missing record should fail")
	}
}

func TestFromDocument_UnknownDefaults(t *testing.T) {
	s := FromDocument("u1", &docstore.Document{ID: "s9", Data: map[string]any{"isActive": true}})
	if s.DeviceInfo.DeviceName != "Unknown" || s.DeviceInfo.Platform != "Unknown" || s.DeviceInfo.OS != "Unknown" {
		t.Errorf("DeviceInfo = %+v, want Unknown defaults", s.DeviceInfo)
	}
	if !s.LastActive.IsZero() {
		t.Errorf("LastActive = %v, want zero", s.LastActive)
	}
}

func TestWatchActive(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore(nil)
	repo := NewDocstoreRepository(store)
	_ = repo.Upsert(ctx, newSession("s1", t0))

	var sets []ChangeSet
	sub, err := repo.WatchActive(ctx, "u1", func(cs ChangeSet) { sets = append(sets, cs) }, nil)
	if err != nil {
		t.Fatalf("WatchActive: %v", err)
	}
	defer sub.Unsubscribe()

	_ = repo.TouchLastActive(ctx, "u1", "s1", t0.Add(time.Minute))
	_ = repo.Upsert(ctx, newSession("s2", t0))
	_ = repo.Delete(ctx, "u1", "s1")

	if len(sets) != 3 {
		t.Fatalf("got %d change sets, want 3 (baseline, added, removed): %+v", len(sets), sets)
	}
	if !sets[0].Initial || len(sets[0].Added) != 1 {
		t.Errorf("baseline = %+v", sets[0])
	}
	if len(sets[1].Added) != 1 || sets[1].Added[0].ID != "s2" {
		t.Errorf("second = %+v, want s2 added", sets[1])
	}
	if len(sets[2].Removed) != 1 || sets[2].Removed[0].ID != "s1" {
		t.Errorf("third = %+v, want s1 removed", sets[2])
	}
}
