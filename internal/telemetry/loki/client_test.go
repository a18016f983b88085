package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPushEventJSON(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/push" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	line := `{"eventType":"session_ended","source":"agent/session","createdAt":"2024-01-02T03:04:05Z"}`
	if err := c.PushEventJSON(context.Background(), []byte(line)); err != nil {
		t.Fatalf("PushEventJSON: %v", err)
	}
	if len(got.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(got.Streams))
	}
	s := got.Streams[0]
	if s.Stream["job"] != Job || s.Stream["event_type"] != "session_ended" || s.Stream["source"] != "agent_session" {
		t.Errorf("labels = %v", s.Stream)
	}
	if len(s.Values) != 1 || s.Values[0][0] != "1704164645000000000" || s.Values[0][1] != line {
		t.Errorf("values = %v", s.Values)
	}
}

func TestPush_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c, _ := NewClient(srv.URL, nil)
	if err := c.PushEventJSON(context.Background(), []byte("not json")); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestNewClient_EmptyURL(t *testing.T) {
	if _, err := NewClient(" ", nil); err == nil {
		t.Fatal("expected error for empty URL")
	}
}
