package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"presence-agent/internal/security"
)

const bearerPrefix = "bearer "

// SessionValidator reports whether the session a token is bound to is still active. A terminated session's
// tokens stop working as soon as its record is gone.
type SessionValidator func(ctx context.Context, userID, sessionID string) (bool, error)

// AuthUnary returns a unary server interceptor that validates the Bearer access token from gRPC metadata
// and puts the caller's user and session ids in the context. publicMethods lists full method names that may
// be called without a token (health checks). sessions may be nil; it is not consulted for tokens without a
// session.
func AuthUnary(tokens *security.TokenProvider, publicMethods map[string]bool, sessions SessionValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		public := publicMethods[info.FullMethod]
		token := extractBearer(ctx)
		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		pr, err := tokens.ValidateAccess(token)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		if sessions != nil && pr.SessionID != "" {
			ok, err := sessions(ctx, pr.UserID, pr.SessionID)
			if err != nil {
				return nil, status.Error(codes.Unavailable, "session check failed")
			}
			if !ok {
				return nil, status.Error(codes.Unauthenticated, "session is no longer active")
			}
		}
		return handler(WithIdentity(ctx, pr.UserID, pr.SessionID), req)
	}
}

// LocalIdentityUnary binds every call to the agent's own user and live session. It is used when no token keys
// are configured and the management surface listens on a local address only. identity is read per call so a
// logout is visible immediately.
func LocalIdentityUnary(identity func() (userID, sessionID string)) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		userID, sessionID := identity()
		if userID == "" {
			return handler(ctx, req)
		}
		return handler(WithIdentity(ctx, userID, sessionID), req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
