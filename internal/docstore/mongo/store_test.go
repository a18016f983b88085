package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"presence-agent/internal/docstore"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Error("mapErr(nil) != nil")
	}
	unauthorized := mongo.CommandError{Code: codeUnauthorized, Message: "not authorized on presence"}
	if err := mapErr(unauthorized); !errors.Is(err, docstore.ErrPermissionDenied) {
		t.Errorf("mapErr(13) = %v, want ErrPermissionDenied", err)
	}
	other := mongo.CommandError{Code: 11000, Message: "duplicate key"}
	if err := mapErr(other); errors.Is(err, docstore.ErrPermissionDenied) {
		t.Errorf("mapErr(11000) = %v, should not be permission denied", err)
	}
}

func TestToDocument(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	doc, err := toDocument(record{
		Path:      "users/u1/sessions/s1",
		Data:      bson.M{"isActive": true, "deviceInfo": bson.M{"deviceName": "Pixel 7"}, "n": int32(3)},
		UpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("toDocument: %v", err)
	}
	if doc.ID != "s1" {
		t.Errorf("ID = %q, want s1", doc.ID)
	}
	if got := doc.Map("deviceInfo")["deviceName"]; got != "Pixel 7" {
		t.Errorf("deviceName = %v, want Pixel 7", got)
	}
	if doc.Data["n"] != 3.0 {
		t.Errorf("n = %#v, want float64 3", doc.Data["n"])
	}
	empty, err := toDocument(record{Path: "users/u1"})
	if err != nil {
		t.Fatalf("toDocument: %v", err)
	}
	if empty.Data == nil {
		t.Error("Data = nil, want empty map")
	}
}

func TestConnect_EmptyURI(t *testing.T) {
	if _, err := Connect(context.Background(), "", "presence", nil); err == nil {
		t.Fatal("Connect with empty URI should return error")
	}
}

// TestStore_Integration runs against MONGO_URI when set.
func TestStore_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	s, err := Connect(ctx, uri, "presence_test", nil)
	if err != nil {
		t.Skipf("mongo connect failed: %v", err)
	}
	defer s.Close()

	path := "users/it-" + uuid.NewString() + "/sessions/s1"
	defer func() { _ = s.Delete(context.Background(), path) }()
	err = s.Set(ctx, path, docstore.Mutation{
		Fields:      map[string]any{"isActive": true},
		SetOnInsert: map[string]any{"createdAt": "t0"},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = s.Set(ctx, path, docstore.Mutation{SetOnInsert: map[string]any{"createdAt": "t1"}})
	doc, err := s.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.String("createdAt") != "t0" || !doc.Bool("isActive") {
		t.Errorf("doc = %+v", doc.Data)
	}
}
