package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	devicedomain "presence-agent/internal/device/domain"
	"presence-agent/internal/session/domain"
)

type published struct {
	subj string
	v    any
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subj string, v any) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subj, v})
	return nil
}

func TestNotifier_SessionEnded(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err := n.SessionEnded(context.Background(), domain.Ended{
		Reason: domain.ReasonRemoteTermination, UserID: "u1", SessionID: "s1", At: at,
	})
	if err != nil {
		t.Fatalf("SessionEnded: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d, want 1", len(pub.msgs))
	}
	if pub.msgs[0].subj != "presence.sessions.u1.ended" {
		t.Errorf("subject = %q", pub.msgs[0].subj)
	}
	msg, ok := pub.msgs[0].v.(SessionEndedMessage)
	if !ok || msg.Reason != "remote_termination" || msg.SessionID != "s1" || !msg.At.Equal(at) {
		t.Errorf("message = %#v", pub.msgs[0].v)
	}
}

func TestNotifier_NewSessionDetected(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "agents")
	err := n.NewSessionDetected(context.Background(), domain.NewSessionDetected{
		UserID:           "user.with.dots",
		CurrentSessionID: "s1",
		Session:          &domain.Session{ID: "s2", DeviceInfo: devicedomain.Info{DeviceName: "Pixel 7", Platform: "android"}},
	})
	if err != nil {
		t.Fatalf("NewSessionDetected: %v", err)
	}
	if got := pub.msgs[0].subj; got != "agents.sessions.user_with_dots.detected" {
		t.Errorf("subject = %q", got)
	}
	msg := pub.msgs[0].v.(SessionDetectedMessage)
	if msg.SessionID != "s2" || msg.DeviceName != "Pixel 7" || msg.Platform != "android" {
		t.Errorf("message = %+v", msg)
	}
}

func TestNotifier_PublishError(t *testing.T) {
	want := errors.New("no responders")
	n := NewNotifier(&fakePublisher{err: want}, "")
	if err := n.SessionEnded(context.Background(), domain.Ended{UserID: "u1"}); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestWildcardSubject(t *testing.T) {
	if got := WildcardSubject("", ""); got != "presence.sessions.>" {
		t.Errorf("all users = %q", got)
	}
	if got := WildcardSubject("p", "u*1"); got != "p.sessions.u_1.*" {
		t.Errorf("one user = %q", got)
	}
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))
	_ = n.SessionEnded(context.Background(), domain.Ended{UserID: "u1", SessionID: "s1", Reason: domain.ReasonLogout})
	_ = n.NewSessionDetected(context.Background(), domain.NewSessionDetected{UserID: "u1"})
	if logs.Len() != 2 {
		t.Fatalf("logs = %d, want 2", logs.Len())
	}
	if logs.All()[0].ContextMap()["reason"] != "logout" {
		t.Errorf("reason field = %v", logs.All()[0].ContextMap()["reason"])
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	if err := b.Publish(context.Background(), "x", 1); !errors.Is(err, ErrNilBus) {
		t.Errorf("Publish on nil bus = %v", err)
	}
	b.Close()
}
