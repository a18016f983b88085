package handler

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	devicedomain "presence-agent/internal/device/domain"
	"presence-agent/internal/policy/engine"
	presencedomain "presence-agent/internal/presence/domain"
	"presence-agent/internal/server/interceptors"
	"presence-agent/internal/session/domain"
	"presence-agent/internal/session/service"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	mu         sync.Mutex
	byUser     map[string][]*domain.Session
	current    *domain.Session
	terminated []string
	loggedOut  int
	err        error
}

func (f *fakeSessions) GetSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.byUser[userID], nil
}

func (f *fakeSessions) GetCurrentSession(context.Context) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.err
}

func (f *fakeSessions) TerminateSession(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, s := range f.byUser[userID] {
		if s.ID == sessionID {
			f.terminated = append(f.terminated, userID+"/"+sessionID)
			return nil
		}
	}
	return service.ErrSessionNotFound
}

func (f *fakeSessions) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.loggedOut++
	f.current = nil
	return nil
}

type fakeDirectory []presencedomain.Record

func (d fakeDirectory) ListUsers(_ context.Context, exclude string) ([]presencedomain.Record, error) {
	var out []presencedomain.Record
	for _, r := range d {
		if r.UserID != exclude {
			out = append(out, r)
		}
	}
	return out, nil
}

// dial serves srv over bufconn; every call runs as user-1 on session s1 unless identity is changed.
func dial(t *testing.T, srv SessionServiceServer, identity func() (string, string)) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors.LocalIdentityUnary(identity)))
	Register(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	return NewClient(cc)
}

func user1() (string, string) { return "user-1", "s1" }

func newFixture() *fakeSessions {
	return &fakeSessions{byUser: map[string][]*domain.Session{
		"user-1": {
			{ID: "s2", UserID: "user-1", DeviceInfo: devicedomain.Info{DeviceName: "Pixel 7", Platform: "android"},
				LastActive: t0.Add(time.Minute), IsActive: true},
			{ID: "s1", UserID: "user-1", DeviceInfo: devicedomain.Info{DeviceName: "laptop", Platform: "linux"},
				LastActive: t0, IsActive: true, IsCurrentSession: true},
		},
		"user-2": {{ID: "x1", UserID: "user-2", IsActive: true}},
	}}
}

func TestListSessions(t *testing.T) {
	c := dial(t, NewServer(newFixture(), nil, engine.NewOPAEvaluator(nil, nil), nil), user1)
	out, err := c.ListSessions(context.Background(), "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	list := out.GetFields()["sessions"].GetListValue().GetValues()
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	first := list[0].GetStructValue().GetFields()
	if first["sessionId"].GetStringValue() != "s2" {
		t.Errorf("first = %v, want s2", first["sessionId"])
	}
	if name := first["deviceInfo"].GetStructValue().GetFields()["deviceName"].GetStringValue(); name != "Pixel 7" {
		t.Errorf("deviceName = %q", name)
	}
	if first["lastActive"].GetStringValue() != t0.Add(time.Minute).Format(time.RFC3339Nano) {
		t.Errorf("lastActive = %v", first["lastActive"])
	}
	if !list[1].GetStructValue().GetFields()["isCurrentSession"].GetBoolValue() {
		t.Error("s1 not flagged current")
	}
}

func TestListSessions_OtherUserDenied(t *testing.T) {
	c := dial(t, NewServer(newFixture(), nil, engine.NewOPAEvaluator(nil, nil), nil), user1)
	_, err := c.ListSessions(context.Background(), "user-2")
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
	if msg := status.Convert(err).Message(); msg != "other user" {
		t.Errorf("message = %q, want policy reason", msg)
	}
}

func TestTerminateSession(t *testing.T) {
	sessions := newFixture()
	c := dial(t, NewServer(sessions, nil, engine.NewOPAEvaluator(nil, nil), nil), user1)
	ctx := context.Background()

	if err := c.TerminateSession(ctx, "", "s2"); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if len(sessions.terminated) != 1 || sessions.terminated[0] != "user-1/s2" {
		t.Errorf("terminated = %v", sessions.terminated)
	}

	for _, tc := range []struct {
		name      string
		userID    string
		sessionID string
		want      codes.Code
	}{
		{"missing id", "", "", codes.InvalidArgument},
		{"unknown id", "", "nope", codes.NotFound},
		{"other user", "user-2", "x1", codes.PermissionDenied},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.TerminateSession(ctx, tc.userID, tc.sessionID); status.Code(err) != tc.want {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if len(sessions.terminated) != 1 {
		t.Errorf("denied calls terminated sessions: %v", sessions.terminated)
	}
}

func TestUnauthenticated(t *testing.T) {
	c := dial(t, NewServer(newFixture(), fakeDirectory{}, nil, nil), func() (string, string) { return "", "" })
	ctx := context.Background()
	if _, err := c.ListSessions(ctx, ""); status.Code(err) != codes.Unauthenticated {
		t.Errorf("ListSessions err = %v", err)
	}
	if _, err := c.GetCurrentSession(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("GetCurrentSession err = %v", err)
	}
	if err := c.TerminateSession(ctx, "", "s1"); status.Code(err) != codes.Unauthenticated {
		t.Errorf("TerminateSession err = %v", err)
	}
	if _, err := c.ListOnlineUsers(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("ListOnlineUsers err = %v", err)
	}
	if err := c.Logout(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("Logout err = %v", err)
	}
}

func TestGetCurrentSession(t *testing.T) {
	sessions := newFixture()
	c := dial(t, NewServer(sessions, nil, nil, nil), user1)

	out, err := c.GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession: %v", err)
	}
	if len(out.GetFields()) != 0 {
		t.Errorf("no live session: got %v", out)
	}

	sessions.current = sessions.byUser["user-1"][1]
	out, err = c.GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession: %v", err)
	}
	if out.GetFields()["sessionId"].GetStringValue() != "s1" {
		t.Errorf("current = %v", out)
	}
}

func TestGetCurrentSession_OtherUserDenied(t *testing.T) {
	sessions := newFixture()
	sessions.current = sessions.byUser["user-1"][1]
	c := dial(t, NewServer(sessions, nil, nil, nil), func() (string, string) { return "user-2", "x1" })

	out, err := c.GetCurrentSession(context.Background())
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
	if out != nil {
		t.Errorf("leaked session %v", out)
	}
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	sessions := newFixture()
	c := dial(t, NewServer(sessions, nil, nil, nil), user1)

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout without a live session: %v", err)
	}
	if sessions.loggedOut != 0 {
		t.Fatalf("logged out %d times without a live session", sessions.loggedOut)
	}

	sessions.current = sessions.byUser["user-1"][1]
	other := dial(t, NewServer(sessions, nil, nil, nil), func() (string, string) { return "user-2", "x1" })
	if err := other.Logout(ctx); status.Code(err) != codes.PermissionDenied {
		t.Errorf("other user Logout err = %v, want PermissionDenied", err)
	}
	if sessions.loggedOut != 0 {
		t.Fatal("other user logged the device out")
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if sessions.loggedOut != 1 {
		t.Errorf("loggedOut = %d, want 1", sessions.loggedOut)
	}
}

func TestInternalErrorsAreMasked(t *testing.T) {
	sessions := newFixture()
	sessions.err = errors.New("pq: connection reset")
	c := dial(t, NewServer(sessions, nil, nil, nil), user1)
	_, err := c.ListSessions(context.Background(), "")
	if status.Code(err) != codes.Internal {
		t.Fatalf("err = %v, want Internal", err)
	}
	if msg := status.Convert(err).Message(); msg != "failed to list sessions" {
		t.Errorf("message = %q leaks the cause", msg)
	}
}

func TestListOnlineUsers(t *testing.T) {
	dir := fakeDirectory{
		{UserID: "user-1", Status: presencedomain.StatusOnline, LastSeen: t0},
		{UserID: "user-2", Status: presencedomain.StatusOnline, LastSeen: t0},
		{UserID: "user-3", Status: presencedomain.StatusOffline, LastSeen: t0.Add(-time.Hour)},
	}
	c := dial(t, NewServer(newFixture(), dir, nil, nil), user1)
	out, err := c.ListOnlineUsers(context.Background())
	if err != nil {
		t.Fatalf("ListOnlineUsers: %v", err)
	}
	users := out.GetFields()["users"].GetListValue().GetValues()
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2 (caller excluded)", len(users))
	}
	if got := users[0].GetStructValue().GetFields()["userId"].GetStringValue(); got != "user-2" {
		t.Errorf("first user = %q", got)
	}

	noDir := dial(t, NewServer(newFixture(), nil, nil, nil), user1)
	if _, err := noDir.ListOnlineUsers(context.Background()); status.Code(err) != codes.Unimplemented {
		t.Errorf("without directory err = %v, want Unimplemented", err)
	}
}
