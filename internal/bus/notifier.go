package bus

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"presence-agent/internal/session/domain"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "presence"

// Publisher is the part of Bus the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// SessionEndedMessage is the payload of <prefix>.sessions.<userId>.ended.
type SessionEndedMessage struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// SessionDetectedMessage is the payload of <prefix>.sessions.<userId>.detected.
type SessionDetectedMessage struct {
	UserID           string    `json:"userId"`
	CurrentSessionID string    `json:"currentSessionId"`
	SessionID        string    `json:"sessionId"`
	DeviceName       string    `json:"deviceName"`
	Platform         string    `json:"platform"`
	At               time.Time `json:"at"`
}

// Notifier publishes session events to NATS.
type Notifier struct {
	pub    Publisher
	prefix string
}

// NewNotifier returns a Notifier publishing under prefix (DefaultPrefix when empty).
func NewNotifier(pub Publisher, prefix string) *Notifier {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Notifier{pub: pub, prefix: prefix}
}

// EndedSubject returns the subject for session-ended events of userID.
func (n *Notifier) EndedSubject(userID string) string {
	return n.prefix + ".sessions." + token(userID) + ".ended"
}

// DetectedSubject returns the subject for new-session events of userID.
func (n *Notifier) DetectedSubject(userID string) string {
	return n.prefix + ".sessions." + token(userID) + ".detected"
}

// WildcardSubject matches every session event of userID, or of all users when userID is empty.
func WildcardSubject(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if userID == "" {
		return prefix + ".sessions.>"
	}
	return prefix + ".sessions." + token(userID) + ".*"
}

func (n *Notifier) SessionEnded(ctx context.Context, e domain.Ended) error {
	return n.pub.Publish(ctx, n.EndedSubject(e.UserID), SessionEndedMessage{
		UserID:    e.UserID,
		SessionID: e.SessionID,
		Reason:    string(e.Reason),
		At:        e.At,
	})
}

func (n *Notifier) NewSessionDetected(ctx context.Context, e domain.NewSessionDetected) error {
	msg := SessionDetectedMessage{UserID: e.UserID, CurrentSessionID: e.CurrentSessionID, At: e.At}
	if e.Session != nil {
		msg.SessionID = e.Session.ID
		msg.DeviceName = e.Session.DeviceInfo.DeviceName
		msg.Platform = e.Session.DeviceInfo.Platform
	}
	return n.pub.Publish(ctx, n.DetectedSubject(e.UserID), msg)
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// LogNotifier writes session events to the log. Used when no NATS server is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) SessionEnded(_ context.Context, e domain.Ended) error {
	l.logger.Info("signed out on this device",
		zap.String("user_id", e.UserID), zap.String("session_id", e.SessionID), zap.String("reason", string(e.Reason)))
	return nil
}

func (l *LogNotifier) NewSessionDetected(_ context.Context, e domain.NewSessionDetected) error {
	name := ""
	if e.Session != nil {
		name = e.Session.DeviceInfo.DeviceName
	}
	l.logger.Info("new sign-in from another device", zap.String("user_id", e.UserID), zap.String("device_name", name))
	return nil
}
