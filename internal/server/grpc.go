package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "presence-agent/internal/health/handler"
	"presence-agent/internal/security"
	"presence-agent/internal/server/interceptors"
	sessionhandler "presence-agent/internal/session/handler"
	"presence-agent/internal/telemetry"
)

// Health check methods are callable without a token and never reported as telemetry.
var healthMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
	"/grpc.health.v1.Health/List":  true,
}

// Options configures the management gRPC server.
type Options struct {
	// Tokens validates Bearer tokens. If nil, every call is bound to LocalIdentity instead.
	Tokens *security.TokenProvider
	// Sessions rejects tokens whose session has been terminated. Optional.
	Sessions interceptors.SessionValidator
	// LocalIdentity returns the agent's own user and session; used when Tokens is nil.
	LocalIdentity func() (userID, sessionID string)
	// Emitter receives a grpc_request event per RPC. Optional.
	Emitter telemetry.EventEmitter
}

// NewGRPCServer returns a gRPC server with OTel instrumentation and the auth and telemetry interceptors.
// Auth runs first so the telemetry interceptor sees the caller.
func NewGRPCServer(opts Options, extra ...grpc.ServerOption) *grpc.Server {
	var auth grpc.UnaryServerInterceptor
	if opts.Tokens != nil {
		auth = interceptors.AuthUnary(opts.Tokens, healthMethods, opts.Sessions)
	} else {
		identity := opts.LocalIdentity
		if identity == nil {
			identity = func() (string, string) { return "", "" }
		}
		auth = interceptors.LocalIdentityUnary(identity)
	}
	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(auth, interceptors.TelemetryUnary(opts.Emitter, healthMethods)),
	}
	return grpc.NewServer(append(serverOpts, extra...)...)
}

// Deps holds the services exposed on the management surface.
type Deps struct {
	// Sessions is presence.v1.SessionService. If nil, it is not registered.
	Sessions sessionhandler.SessionServiceServer
	// Health drives grpc.health.v1. If nil, it is not registered.
	Health *healthhandler.Checker
}

// RegisterServices registers every configured service with s.
//
//   - presence.v1.SessionService → internal/session/handler
//   - grpc.health.v1.Health      → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	if deps.Sessions != nil {
		sessionhandler.Register(s, deps.Sessions)
	}
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health.Server())
	}
}
