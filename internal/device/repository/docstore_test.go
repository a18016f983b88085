package repository

import (
	"context"
	"testing"
	"time"

	"presence-agent/internal/device/domain"
	"presence-agent/internal/docstore"
)

func TestDocstoreRepository_Touch(t *testing.T) {
	ctx := context.Background()
	repo := NewDocstoreRepository(docstore.NewMemoryStore(nil))
	t0 := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	info := domain.Info{Fingerprint: "fp1", DeviceName: "Pixel 7", Platform: "android", OS: "android 14"}

	if err := repo.Touch(ctx, "u1", info, t0); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := repo.Touch(ctx, "u1", info, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	d, err := repo.GetByFingerprint(ctx, "u1", "fp1")
	if err != nil {
		t.Fatalf("GetByFingerprint: %v", err)
	}
	if d == nil {
		t.Fatal("device not found")
	}
	if !d.FirstSeenAt.Equal(t0) {
		t.Errorf("FirstSeenAt = %v, want %v", d.FirstSeenAt, t0)
	}
	if !d.LastSeenAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastSeenAt = %v, want %v", d.LastSeenAt, t0.Add(time.Hour))
	}
	if d.DeviceName != "Pixel 7" {
		t.Errorf("DeviceName = %q", d.DeviceName)
	}
}

func TestDocstoreRepository_ListByUser(t *testing.T) {
	ctx := context.Background()
	repo := NewDocstoreRepository(docstore.NewMemoryStore(nil))
	t0 := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	_ = repo.Touch(ctx, "u1", domain.Info{Fingerprint: "old"}, t0)
	_ = repo.Touch(ctx, "u1", domain.Info{Fingerprint: "new"}, t0.Add(time.Minute))
	_ = repo.Touch(ctx, "u2", domain.Info{Fingerprint: "other"}, t0)
	_ = repo.Touch(ctx, "u1", domain.Info{}, t0)

	list, err := repo.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 || list[0].Fingerprint != "new" || list[1].Fingerprint != "old" {
		t.Errorf("ListByUser = %+v, want [new old]", list)
	}
	missing, err := repo.GetByFingerprint(ctx, "u1", "nope")
	if err != nil || missing != nil {
		t.Errorf("GetByFingerprint missing = %v, %v, want nil, nil", missing, err)
	}
}
