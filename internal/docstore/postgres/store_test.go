package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"presence-agent/internal/db"
	"presence-agent/internal/db/migrate"
	"presence-agent/internal/docstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Error("mapErr(nil) != nil")
	}
	denied := mapErr(&pgconn.PgError{Code: "42501", Message: "permission denied for table documents"})
	if !errors.Is(denied, docstore.ErrPermissionDenied) {
		t.Errorf("mapErr(42501) = %v, want ErrPermissionDenied", denied)
	}
	other := mapErr(&pgconn.PgError{Code: "23505"})
	if errors.Is(other, docstore.ErrPermissionDenied) {
		t.Errorf("mapErr(23505) = %v, should not be permission denied", other)
	}
	wrapped := mapErr(fmt.Errorf("exec: %w", &pgconn.PgError{Code: "42501"}))
	if !errors.Is(wrapped, docstore.ErrPermissionDenied) {
		t.Errorf("wrapped 42501 = %v, want ErrPermissionDenied", wrapped)
	}
}

func TestEncode(t *testing.T) {
	got, err := encode(nil)
	if err != nil || got != "{}" {
		t.Errorf("encode(nil) = %q, %v", got, err)
	}
	got, err = encode(map[string]any{"isActive": true})
	if err != nil || got != `{"isActive":true}` {
		t.Errorf("encode = %q, %v", got, err)
	}
	if _, err := encode(map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("encode of channel should fail")
	}
}

func TestListenThenQuery(t *testing.T) {
	ctx := context.Background()
	var calls []string
	listen := func(context.Context) (string, error) { calls = append(calls, "listen"); return "conn", nil }
	release := func(c string) { calls = append(calls, "release "+c) }

	conn, docs, err := listenThenQuery(ctx, listen, func(context.Context) ([]*docstore.Document, error) {
		calls = append(calls, "query")
		return []*docstore.Document{{ID: "s1"}}, nil
	}, release)
	if err != nil || conn != "conn" || len(docs) != 1 {
		t.Fatalf("listenThenQuery = %q, %v, %v", conn, docs, err)
	}
	if fmt.Sprint(calls) != "[listen query]" {
		t.Errorf("calls = %v, want listen before query", calls)
	}

	calls = nil
	_, _, err = listenThenQuery(ctx, listen, func(context.Context) ([]*docstore.Document, error) {
		calls = append(calls, "query")
		return nil, errors.New("query failed")
	}, release)
	if err == nil {
		t.Fatal("query error not returned")
	}
	if fmt.Sprint(calls) != "[listen query release conn]" {
		t.Errorf("calls = %v, want the connection released", calls)
	}

	calls = nil
	_, _, err = listenThenQuery(ctx, func(context.Context) (string, error) { return "", errors.New("acquire") },
		func(context.Context) ([]*docstore.Document, error) {
			calls = append(calls, "query")
			return nil, nil
		}, release)
	if err == nil || len(calls) != 0 {
		t.Errorf("listen failure: err = %v, calls = %v", err, calls)
	}
}

// TestStore_Integration exercises the store against a live database when DATABASE_URL is set.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Skipf("migrate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Skipf("Database connection failed: %v", err)
	}
	s := New(pool, nil)
	defer s.Close()

	user := "it-" + uuid.NewString()
	coll := "users/" + user + "/sessions"
	path := coll + "/s1"
	defer func() { _ = s.Delete(context.Background(), path) }()

	snaps := make(chan docstore.Snapshot, 8)
	sub, err := s.Watch(ctx, docstore.Query{Collection: coll}.Where("isActive", true),
		func(snap docstore.Snapshot) { snaps <- snap }, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer sub.Unsubscribe()
	if first := <-snaps; !first.Initial || len(first.Changes) != 0 {
		t.Fatalf("baseline = %+v, want empty initial snapshot", first)
	}

	err = s.Set(ctx, path, docstore.Mutation{
		Fields:      map[string]any{"isActive": true},
		SetOnInsert: map[string]any{"createdAt": "t0"},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	select {
	case snap := <-snaps:
		if len(snap.Changes) != 1 || snap.Changes[0].Type != docstore.ChangeAdded {
			t.Errorf("changes = %+v, want one added", snap.Changes)
		}
	case <-ctx.Done():
		t.Fatal("no snapshot after Set")
	}

	if err := s.Update(ctx, path, map[string]any{"isActive": false}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	select {
	case snap := <-snaps:
		if len(snap.Changes) != 1 || snap.Changes[0].Type != docstore.ChangeRemoved {
			t.Errorf("changes = %+v, want one removed", snap.Changes)
		}
	case <-ctx.Done():
		t.Fatal("no snapshot after Update")
	}

	doc, err := s.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.String("createdAt") != "t0" {
		t.Errorf("createdAt = %q, want t0", doc.String("createdAt"))
	}
	if err := s.Update(ctx, coll+"/missing", map[string]any{"x": 1}); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
}
