package server

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	healthhandler "presence-agent/internal/health/handler"
	"presence-agent/internal/security"
	sessionhandler "presence-agent/internal/session/handler"
)

type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices(t *testing.T) {
	for _, tc := range []struct {
		name string
		deps Deps
		want int
	}{
		{"nothing", Deps{}, 0},
		{"health only", Deps{Health: healthhandler.NewChecker(nil, nil, nil)}, 1},
		{"both", Deps{
			Sessions: sessionhandler.NewServer(nil, nil, nil, nil),
			Health:   healthhandler.NewChecker(nil, nil, nil),
		}, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reg := &mockServiceRegistrar{}
			RegisterServices(reg, tc.deps)
			if len(reg.services) != tc.want {
				t.Errorf("registered %v, want %d services", reg.services, tc.want)
			}
		})
	}
}

func serve(t *testing.T, opts Options) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(opts)
	checker := healthhandler.NewChecker(nil, nil, nil, sessionhandler.ServiceName)
	checker.Check(context.Background())
	RegisterServices(s, Deps{Sessions: sessionhandler.NewServer(nil, nil, nil, nil), Health: checker})
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	return cc
}

func TestNewGRPCServer_TokenAuth(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	cc := serve(t, Options{Tokens: tokens})
	ctx := context.Background()

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: sessionhandler.ServiceName})
	if err != nil {
		t.Fatalf("health without token: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health = %v", resp.GetStatus())
	}

	client := sessionhandler.NewClient(cc)
	if _, err := client.GetCurrentSession(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("session call without token: %v, want Unauthenticated", err)
	}
}

func TestNewGRPCServer_LocalIdentity(t *testing.T) {
	cc := serve(t, Options{})
	_, err := sessionhandler.NewClient(cc).GetCurrentSession(
		metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer ignored"))
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("signed-out agent: %v, want Unauthenticated", err)
	}
}
