package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"presence-agent/internal/presence/domain"
)

func TestKeys(t *testing.T) {
	if Key("u1") != "presence:u1" {
		t.Errorf("Key = %q", Key("u1"))
	}
	if Channel("u1") != "presence.u1" {
		t.Errorf("Channel = %q", Channel("u1"))
	}
}

func TestNewRedisSink_DefaultTTL(t *testing.T) {
	if s := NewRedisSink(nil, 0); s.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", s.ttl, DefaultTTL)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	if _, err := Connect(context.Background(), "not a url"); err == nil {
		t.Error("Connect with invalid URL should fail")
	}
}

// TestRedisSink_Integration runs against REDIS_URL when set.
func TestRedisSink_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rdb, err := Connect(ctx, url)
	if err != nil {
		t.Skipf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	userID := "it-" + uuid.NewString()
	defer rdb.Del(context.Background(), Key(userID))
	sub := rdb.Subscribe(ctx, Channel(userID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := NewRedisSink(rdb, time.Minute)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := sink.Publish(ctx, domain.Record{UserID: userID, Status: domain.StatusOnline, LastSeen: at}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := sink.Get(ctx, userID)
	if err != nil || got == nil || got.Status != domain.StatusOnline || !got.LastSeen.Equal(at) {
		t.Errorf("Get = %+v, %v", got, err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg.Channel != Channel(userID) {
		t.Errorf("channel = %q", msg.Channel)
	}
	ttl := rdb.TTL(ctx, Key(userID)).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v", ttl)
	}
}
