package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"presence-agent/internal/docstore"
	policydomain "presence-agent/internal/policy/domain"
	"presence-agent/internal/policy/engine"
	presencedomain "presence-agent/internal/presence/domain"
	"presence-agent/internal/server/interceptors"
	"presence-agent/internal/session/domain"
	"presence-agent/internal/session/service"
)

// Sessions is the part of the session service the management surface drives.
type Sessions interface {
	GetSessions(ctx context.Context, userID string) ([]*domain.Session, error)
	GetCurrentSession(ctx context.Context) (*domain.Session, error)
	TerminateSession(ctx context.Context, userID, sessionID string) error
	Logout(ctx context.Context) error
}

// Directory lists the presence of other users.
type Directory interface {
	ListUsers(ctx context.Context, excludeUserID string) ([]presencedomain.Record, error)
}

// Server implements presence.v1.SessionService for the local management surface.
type Server struct {
	sessions  Sessions
	directory Directory
	authz     engine.Evaluator
	logger    *zap.Logger
}

// NewServer returns a SessionService server. directory and authz may be nil: ListOnlineUsers then returns
// Unimplemented and every caller may act on its own user's sessions only.
func NewServer(sessions Sessions, directory Directory, authz engine.Evaluator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sessions: sessions, directory: directory, authz: authz, logger: logger.Named("session_handler")}
}

// ListSessions returns the caller's active sessions, most recently active first. An optional "user_id" field
// names another user and is subject to the access policy.
func (s *Server) ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, callerSession, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	target := stringField(req, "user_id", caller)
	if err := s.authorize(ctx, policydomain.AccessRequest{
		Action:          policydomain.ActionListSessions,
		CallerUserID:    caller,
		CallerSessionID: callerSession,
		TargetUserID:    target,
	}); err != nil {
		return nil, err
	}
	list, err := s.sessions.GetSessions(ctx, target)
	if err != nil {
		return nil, s.toStatus("list sessions", err)
	}
	items := make([]interface{}, 0, len(list))
	for _, sess := range list {
		items = append(items, sessionToMap(sess))
	}
	return structpb.NewStruct(map[string]interface{}{"sessions": items})
}

// GetCurrentSession returns this device's live session, or an empty struct when none is live. Callers
// other than the session's user get PermissionDenied.
func (s *Server) GetCurrentSession(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sess, err := s.ownCurrentSession(ctx, "get current session")
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	return structpb.NewStruct(sessionToMap(sess))
}

// Logout signs this device out: the live session ends and its record is removed. Without a live session it
// does nothing.
func (s *Server) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	sess, err := s.ownCurrentSession(ctx, "logout")
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &emptypb.Empty{}, nil
	}
	if err := s.sessions.Logout(ctx); err != nil {
		return nil, s.toStatus("logout", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ownCurrentSession(ctx context.Context, op string) (*domain.Session, error) {
	caller, _, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.GetCurrentSession(ctx)
	if err != nil {
		return nil, s.toStatus(op, err)
	}
	if sess != nil && sess.UserID != caller {
		s.logger.Info("access denied", zap.String("action", op), zap.String("caller", caller),
			zap.String("target_user", sess.UserID))
		return nil, status.Error(codes.PermissionDenied, "other user")
	}
	return sess, nil
}

// TerminateSession ends the session named by "session_id". The optional "user_id" defaults to the caller.
func (s *Server) TerminateSession(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	caller, callerSession, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	sessionID := stringField(req, "session_id", "")
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id required")
	}
	target := stringField(req, "user_id", caller)
	if err := s.authorize(ctx, policydomain.AccessRequest{
		Action:          policydomain.ActionTerminateSession,
		CallerUserID:    caller,
		CallerSessionID: callerSession,
		TargetUserID:    target,
		TargetSessionID: sessionID,
	}); err != nil {
		return nil, err
	}
	if err := s.sessions.TerminateSession(ctx, target, sessionID); err != nil {
		return nil, s.toStatus("terminate session", err)
	}
	return &emptypb.Empty{}, nil
}

// ListOnlineUsers returns every other user's presence, online users first.
func (s *Server) ListOnlineUsers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.directory == nil {
		return nil, status.Error(codes.Unimplemented, "method ListOnlineUsers not implemented")
	}
	caller, _, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.directory.ListUsers(ctx, caller)
	if err != nil {
		return nil, s.toStatus("list online users", err)
	}
	items := make([]interface{}, 0, len(records))
	for _, r := range records {
		items = append(items, map[string]interface{}{
			"userId":   r.UserID,
			"status":   string(r.Status),
			"lastSeen": formatTime(r.LastSeen),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"users": items})
}

func callerIdentity(ctx context.Context) (userID, sessionID string, err error) {
	userID, ok := interceptors.GetUserID(ctx)
	if !ok {
		return "", "", status.Error(codes.Unauthenticated, "no authenticated user")
	}
	sessionID, _ = interceptors.GetSessionID(ctx)
	return userID, sessionID, nil
}

func (s *Server) authorize(ctx context.Context, req policydomain.AccessRequest) error {
	if s.authz == nil {
		if req.CallerUserID != req.TargetUserID {
			return status.Error(codes.PermissionDenied, "other user")
		}
		return nil
	}
	d, err := s.authz.AuthorizeSession(ctx, req)
	if err != nil {
		s.logger.Error("policy evaluation failed", zap.String("action", req.Action), zap.Error(err))
		return status.Error(codes.Internal, "policy evaluation failed")
	}
	if !d.Allow {
		s.logger.Info("access denied",
			zap.String("action", req.Action), zap.String("caller", req.CallerUserID),
			zap.String("target_user", req.TargetUserID), zap.String("reason", d.Reason))
		return status.Error(codes.PermissionDenied, d.Reason)
	}
	return nil
}

func (s *Server) toStatus(op string, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidSessionID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, docstore.ErrNotFound):
		return status.Error(codes.NotFound, "session not found")
	case errors.Is(err, service.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, service.ErrUserMismatch), errors.Is(err, docstore.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, "permission denied")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op+" timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		return status.Error(codes.Internal, "failed to "+op)
	}
}

func stringField(req *structpb.Struct, key, fallback string) string {
	if req == nil {
		return fallback
	}
	if v, ok := req.GetFields()[key]; ok {
		if s := v.GetStringValue(); s != "" {
			return s
		}
	}
	return fallback
}

func sessionToMap(s *domain.Session) map[string]interface{} {
	m := map[string]interface{}{
		"sessionId": s.ID,
		"userId":    s.UserID,
		"deviceInfo": map[string]interface{}{
			"platform":    s.DeviceInfo.Platform,
			"deviceName":  s.DeviceInfo.DeviceName,
			"os":          s.DeviceInfo.OS,
			"deviceId":    s.DeviceInfo.DeviceID,
			"brand":       s.DeviceInfo.Brand,
			"model":       s.DeviceInfo.Model,
			"fingerprint": s.DeviceInfo.Fingerprint,
		},
		"platform":         s.Platform,
		"appVersion":       s.AppVersion,
		"createdAt":        formatTime(s.CreatedAt),
		"lastActive":       formatTime(s.LastActive),
		"isActive":         s.IsActive,
		"isCurrentSession": s.IsCurrentSession,
	}
	if s.TerminatedAt != nil {
		m["terminatedAt"] = formatTime(*s.TerminatedAt)
	}
	return m
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
