package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-agent/internal/audit"
	devicedomain "presence-agent/internal/device/domain"
	"presence-agent/internal/docstore"
	"presence-agent/internal/platform/timer"
	"presence-agent/internal/session/domain"
	"presence-agent/internal/session/repository"
	"presence-agent/internal/telemetry"
	telemetrydomain "presence-agent/internal/telemetry/domain"
)

// Sentinel errors for the session service; the handler maps them to gRPC codes.
var (
	ErrUnauthenticated   = errors.New("session: no authenticated user")
	ErrUserMismatch      = errors.New("session: user does not match the authenticated user")
	ErrInvalidSessionID  = errors.New("session: session id is required")
	ErrSessionNotFound   = errors.New("session: session not found")
	ErrPointerNotPersist = errors.New("session: session registered but local pointer not saved")
)

const (
	// DefaultHeartbeatInterval is the period of lastActive writes.
	DefaultHeartbeatInterval = 60 * time.Second
	// requestTimeout bounds remote calls made from timers and watch callbacks.
	requestTimeout = 10 * time.Second
	telemetrySource = "session"
)

// IdentitySource reports the authenticated user of this installation, or "" when signed out.
type IdentitySource interface {
	CurrentUserID() string
}

// StaticIdentity is an IdentitySource for a fixed user.
type StaticIdentity string

func (s StaticIdentity) CurrentUserID() string { return string(s) }

// Pointer is the persisted id of the session this installation owns.
type Pointer interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
	ClearIf(ctx context.Context, expected string) (bool, error)
}

// DeviceProvider describes the local device.
type DeviceProvider interface {
	Describe(ctx context.Context) (devicedomain.Info, error)
}

// DeviceRecorder remembers devices a user signed in from. Optional.
type DeviceRecorder interface {
	Touch(ctx context.Context, userID string, info devicedomain.Info, at time.Time) error
}

// Notifier fans session events out to other processes. Errors are logged by the service.
type Notifier interface {
	SessionEnded(ctx context.Context, e domain.Ended) error
	NewSessionDetected(ctx context.Context, e domain.NewSessionDetected) error
}

// Config holds the service settings.
type Config struct {
	HeartbeatInterval time.Duration
	AppVersion        string
	// Platform defaults to runtime.GOOS.
	Platform string
}

// Deps are the collaborators of the service. Repo, Pointer and Identity are required.
type Deps struct {
	Repo     repository.Repository
	Pointer  Pointer
	Identity IdentitySource
	Device   DeviceProvider
	Devices  DeviceRecorder
	Notifier Notifier
	Emitter  telemetry.EventEmitter
	Audit    audit.AuditLogger
	Clock    timer.Clock
	Logger   *zap.Logger
}

// Service owns this installation's session: it registers and resumes it, keeps it alive with a heartbeat,
// watches sibling sessions and tears everything down through a single end path.
type Service struct {
	repo     repository.Repository
	pointer  Pointer
	identity IdentitySource
	device   DeviceProvider
	devices  DeviceRecorder
	notifier Notifier
	emitter  telemetry.EventEmitter
	audit    audit.AuditLogger
	clock    timer.Clock
	logger   *zap.Logger
	cfg      Config

	heartbeat *timer.Ticker

	mu        sync.Mutex
	userID    string
	sessionID string
	// reuseID is a registered id whose pointer write failed; the next RegisterSession reuses it.
	reuseUser, reuseID string
	sub                docstore.Subscription
	monitorGen         uint64
	// attaching is set while a WatchActive call for monitorGen is in flight.
	attaching bool
	// terminating holds ids this device is terminating, so their removal is not treated as remote.
	terminating map[string]int
	onEnded     map[int]func(domain.Ended)
	onDetected  map[int]func(domain.NewSessionDetected)
	nextHandler int
}

// New returns a Service. It does nothing until RegisterSession or FindExistingSession is called.
func New(deps Deps, cfg Config) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if deps.Clock == nil {
		deps.Clock = timer.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		repo:        deps.Repo,
		pointer:     deps.Pointer,
		identity:    deps.Identity,
		device:      deps.Device,
		devices:     deps.Devices,
		notifier:    deps.Notifier,
		emitter:     deps.Emitter,
		audit:       deps.Audit,
		clock:       deps.Clock,
		logger:      deps.Logger.Named("session"),
		cfg:         cfg,
		heartbeat:   timer.NewTicker(deps.Clock, cfg.HeartbeatInterval),
		terminating: make(map[string]int),
		onEnded:     make(map[int]func(domain.Ended)),
		onDetected:  make(map[int]func(domain.NewSessionDetected)),
	}
}

// OnSessionEnded registers fn for every local session end. The returned func removes it.
func (s *Service) OnSessionEnded(fn func(domain.Ended)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.onEnded[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.onEnded, id)
		s.mu.Unlock()
	}
}

// OnNewSession registers fn for sessions of the same user appearing on other devices.
func (s *Service) OnNewSession(fn func(domain.NewSessionDetected)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.onDetected[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.onDetected, id)
		s.mu.Unlock()
	}
}

// Current returns the live user and session ids, empty when no session is live.
func (s *Service) Current() (userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.sessionID
}

func (s *Service) checkIdentity(userID string) error {
	current := ""
	if s.identity != nil {
		current = s.identity.CurrentUserID()
	}
	if current == "" {
		return ErrUnauthenticated
	}
	if userID != current {
		return ErrUserMismatch
	}
	return nil
}

// RegisterSession creates or refreshes this device's session record, then persists the pointer and starts
// the heartbeat and monitor. The remote write comes first; on failure the pointer is left untouched.
func (s *Service) RegisterSession(ctx context.Context, userID string) error {
	if err := s.checkIdentity(userID); err != nil {
		return err
	}
	sid := s.reusableID(userID)
	if sid == "" {
		stored, err := s.pointer.Load(ctx)
		if err != nil {
			s.logger.Warn("read session pointer", zap.Error(err))
		}
		sid = stored
	}
	if sid == "" {
		sid = uuid.NewString()
	}

	info := s.describeDevice(ctx)
	now := s.clock.Now()
	rec := &domain.Session{
		ID:         sid,
		UserID:     userID,
		DeviceInfo: info,
		Platform:   s.cfg.Platform,
		AppVersion: s.cfg.AppVersion,
		CreatedAt:  now,
		LastActive: now,
		IsActive:   true,
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("session: register: %w", err)
	}
	if err := s.pointer.Save(ctx, sid); err != nil {
		s.mu.Lock()
		s.reuseUser, s.reuseID = userID, sid
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPointerNotPersist, err)
	}
	if s.devices != nil {
		if err := s.devices.Touch(ctx, userID, info, now); err != nil {
			s.logger.Warn("record device", zap.String("user_id", userID), zap.Error(err))
		}
	}

	s.activate(userID, sid)
	s.logger.Info("session registered", zap.String("user_id", userID), zap.String("session_id", sid))
	s.emit(ctx, telemetrydomain.EventSessionRegistered, userID, sid, info.Fingerprint, nil)
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, audit.ActionRegister, audit.ResourceSession, sid)
	}
	return nil
}

func (s *Service) reusableID(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" && s.userID == userID {
		return s.sessionID
	}
	if s.reuseID != "" && s.reuseUser == userID {
		return s.reuseID
	}
	return ""
}

func (s *Service) describeDevice(ctx context.Context) devicedomain.Info {
	if s.device == nil {
		return devicedomain.Info{DeviceName: devicedomain.UnknownName, Platform: s.cfg.Platform}
	}
	info, err := s.device.Describe(ctx)
	if err != nil {
		s.logger.Warn("describe device", zap.Error(err))
	}
	if info.DeviceName == "" {
		info.DeviceName = devicedomain.UnknownName
	}
	if info.Platform == "" {
		info.Platform = s.cfg.Platform
	}
	return info
}

// FindExistingSession adopts the session named by the local pointer when its remote record is still active.
// A missing or inactive record discards the pointer. A failed remote read returns the error and keeps it.
func (s *Service) FindExistingSession(ctx context.Context, userID string) (bool, error) {
	if err := s.checkIdentity(userID); err != nil {
		return false, err
	}
	sid, err := s.pointer.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("session: read pointer: %w", err)
	}
	if sid == "" {
		return false, nil
	}
	rec, err := s.repo.GetByID(ctx, userID, sid)
	if err != nil {
		return false, fmt.Errorf("session: find existing: %w", err)
	}
	if rec == nil || !rec.IsActive {
		if _, err := s.pointer.ClearIf(ctx, sid); err != nil {
			s.logger.Warn("clear stale session pointer", zap.Error(err))
		}
		s.logger.Info("discarded stale session pointer", zap.String("session_id", sid))
		return false, nil
	}
	if err := s.repo.TouchLastActive(ctx, userID, sid, s.clock.Now()); err != nil {
		if errors.Is(err, docstore.ErrPermissionDenied) || errors.Is(err, docstore.ErrNotFound) {
			if _, cerr := s.pointer.ClearIf(ctx, sid); cerr != nil {
				s.logger.Warn("clear session pointer", zap.Error(cerr))
			}
			return false, fmt.Errorf("session: adopt: %w", err)
		}
		s.logger.Warn("heartbeat on adopt", zap.String("session_id", sid), zap.Error(err))
	}
	s.activate(userID, sid)
	s.logger.Info("session adopted", zap.String("user_id", userID), zap.String("session_id", sid))
	s.emit(ctx, telemetrydomain.EventSessionAdopted, userID, sid, rec.DeviceInfo.Fingerprint, nil)
	return true, nil
}

// activate makes (userID, sid) the live session and (re)starts the heartbeat and monitor.
func (s *Service) activate(userID, sid string) {
	s.mu.Lock()
	s.userID, s.sessionID = userID, sid
	s.reuseUser, s.reuseID = "", ""
	old := s.sub
	s.sub = nil
	s.monitorGen++
	gen := s.monitorGen
	s.attaching = true
	s.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
	s.heartbeat.Start(func() { s.beat(userID, sid) })
	s.startMonitor(userID, sid, gen)
}

func (s *Service) beat(userID, sid string) {
	s.mu.Lock()
	live := s.userID == userID && s.sessionID == sid
	s.mu.Unlock()
	if !live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if s.touch(ctx, userID, sid) {
		s.ensureMonitor(userID, sid)
	}
}

// touch refreshes lastActive and reports whether the session is still live afterwards.
func (s *Service) touch(ctx context.Context, userID, sid string) bool {
	err := s.repo.TouchLastActive(ctx, userID, sid, s.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrPermissionDenied):
		s.logger.Warn("heartbeat rejected", zap.String("session_id", sid), zap.Error(err))
		s.end(domain.Ended{Reason: domain.ReasonPermissionDenied, UserID: userID, SessionID: sid})
		return false
	case errors.Is(err, docstore.ErrNotFound):
		s.mu.Lock()
		own := s.terminating[sid] > 0
		s.mu.Unlock()
		if own {
			return false
		}
		// the record is gone and the monitor missed the removal
		s.logger.Warn("session record missing", zap.String("session_id", sid))
		s.end(domain.Ended{Reason: domain.ReasonRemoteTermination, UserID: userID, SessionID: sid})
		return false
	default:
		// the next tick retries
		s.logger.Warn("heartbeat failed", zap.String("session_id", sid), zap.Error(err))
	}
	return true
}

// Reconnected issues one immediate heartbeat when a session is live and re-attaches the session monitor if
// it was lost. Wired to connectivity changes.
func (s *Service) Reconnected(ctx context.Context) {
	s.refresh(ctx)
}

// Activity records user activity on the live session: lastActive is refreshed immediately instead of on
// the next heartbeat.
func (s *Service) Activity(ctx context.Context) {
	s.refresh(ctx)
}

func (s *Service) refresh(ctx context.Context) {
	userID, sid := s.Current()
	if sid == "" {
		return
	}
	if s.touch(ctx, userID, sid) {
		s.ensureMonitor(userID, sid)
	}
}

// ensureMonitor restarts the session monitor when an earlier WatchActive call failed.
func (s *Service) ensureMonitor(userID, sid string) {
	s.mu.Lock()
	if s.userID != userID || s.sessionID != sid || s.sub != nil || s.attaching {
		s.mu.Unlock()
		return
	}
	s.attaching = true
	gen := s.monitorGen
	s.mu.Unlock()
	s.logger.Info("reattaching session monitor", zap.String("session_id", sid))
	s.startMonitor(userID, sid, gen)
}

func (s *Service) startMonitor(userID, sid string, gen uint64) {
	sub, err := s.repo.WatchActive(context.Background(), userID,
		func(cs repository.ChangeSet) { s.onSessionsChanged(gen, cs) },
		func(err error) { s.onMonitorError(gen, userID, sid, err) })
	if err != nil {
		s.mu.Lock()
		if s.monitorGen == gen {
			s.attaching = false
		}
		s.mu.Unlock()
		if errors.Is(err, docstore.ErrPermissionDenied) {
			s.end(domain.Ended{Reason: domain.ReasonPermissionDenied, UserID: userID, SessionID: sid})
			return
		}
		// heartbeats and reconnects retry through ensureMonitor
		s.logger.Error("start session monitor", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.monitorGen != gen {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.attaching = false
	s.mu.Unlock()
}

func (s *Service) onSessionsChanged(gen uint64, cs repository.ChangeSet) {
	if cs.Initial {
		return
	}
	s.mu.Lock()
	if s.monitorGen != gen || s.sessionID == "" {
		s.mu.Unlock()
		return
	}
	userID, sid := s.userID, s.sessionID
	var detected []*domain.Session
	for _, added := range cs.Added {
		if added.ID != sid {
			detected = append(detected, added)
		}
	}
	remoteEnd := false
	for _, removed := range cs.Removed {
		if removed.ID == sid && s.terminating[sid] == 0 {
			remoteEnd = true
		}
	}
	handlers := make([]func(domain.NewSessionDetected), 0, len(s.onDetected))
	for _, h := range s.onDetected {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, other := range detected {
		e := domain.NewSessionDetected{UserID: userID, CurrentSessionID: sid, Session: other, At: s.clock.Now()}
		s.logger.Info("new session detected",
			zap.String("user_id", userID), zap.String("session_id", other.ID),
			zap.String("device_name", other.DeviceInfo.DeviceName))
		s.notify(func(ctx context.Context) error { return s.notifier.NewSessionDetected(ctx, e) })
		for _, h := range handlers {
			h(e)
		}
		s.emit(context.Background(), telemetrydomain.EventNewSessionDetected, userID, sid, "",
			map[string]string{"other_session_id": other.ID, "device_name": other.DeviceInfo.DeviceName})
	}
	if remoteEnd {
		s.end(domain.Ended{Reason: domain.ReasonRemoteTermination, UserID: userID, SessionID: sid})
	}
}

func (s *Service) onMonitorError(gen uint64, userID, sid string, err error) {
	s.mu.Lock()
	stale := s.monitorGen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	if errors.Is(err, docstore.ErrPermissionDenied) {
		s.logger.Warn("session monitor rejected", zap.String("session_id", sid), zap.Error(err))
		s.end(domain.Ended{Reason: domain.ReasonPermissionDenied, UserID: userID, SessionID: sid})
		return
	}
	s.logger.Warn("session monitor error", zap.String("user_id", userID), zap.Error(err))
}

// end is the only path that tears a live session down. It is idempotent: the first call for the live
// session wins and later calls, or calls naming another session, do nothing.
func (s *Service) end(e domain.Ended) {
	s.mu.Lock()
	if s.sessionID == "" || s.sessionID != e.SessionID || s.userID != e.UserID {
		s.mu.Unlock()
		return
	}
	s.userID, s.sessionID = "", ""
	sub := s.sub
	s.sub = nil
	s.monitorGen++
	s.attaching = false
	handlers := make([]func(domain.Ended), 0, len(s.onEnded))
	for _, h := range s.onEnded {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	s.heartbeat.Stop()
	if sub != nil {
		sub.Unsubscribe()
	}
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := s.pointer.ClearIf(ctx, e.SessionID); err != nil {
		s.logger.Warn("clear session pointer", zap.String("session_id", e.SessionID), zap.Error(err))
	}
	s.logger.Info("session ended",
		zap.String("user_id", e.UserID), zap.String("session_id", e.SessionID), zap.String("reason", string(e.Reason)))
	s.notify(func(ctx context.Context) error { return s.notifier.SessionEnded(ctx, e) })
	for _, h := range handlers {
		h(e)
	}
	s.emit(ctx, telemetrydomain.EventSessionEnded, e.UserID, e.SessionID, "", map[string]string{"reason": string(e.Reason)})
}

func (s *Service) notify(send func(context.Context) error) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		s.logger.Warn("notify", zap.Error(err))
	}
}

// TerminateSession marks a session of userID inactive and deletes it. When it is this device's session,
// local cleanup runs after the delete succeeded; other devices notice through their own monitor.
func (s *Service) TerminateSession(ctx context.Context, userID, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	rec, err := s.repo.GetByID(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("session: terminate: %w", err)
	}
	if rec == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	isLive := s.userID == userID && s.sessionID == sessionID
	s.terminating[sessionID]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.terminating[sessionID]--; s.terminating[sessionID] <= 0 {
			delete(s.terminating, sessionID)
		}
		s.mu.Unlock()
	}()

	if err := s.repo.MarkInactive(ctx, userID, sessionID, s.clock.Now()); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("session: terminate: %w", err)
	}
	if err := s.repo.Delete(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("session: terminate: %w", err)
	}

	s.logger.Info("session terminated", zap.String("user_id", userID), zap.String("session_id", sessionID),
		zap.Bool("current", isLive))
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, audit.ActionTerminate, audit.ResourceSession, sessionID)
	}
	s.emit(ctx, telemetrydomain.EventSessionTerminated, userID, sessionID, rec.DeviceInfo.Fingerprint, nil)

	if isLive {
		s.end(domain.Ended{Reason: domain.ReasonTerminated, UserID: userID, SessionID: sessionID})
	} else if _, err := s.pointer.ClearIf(ctx, sessionID); err != nil {
		s.logger.Warn("clear session pointer", zap.Error(err))
	}
	return nil
}

// GetSessions lists the user's active sessions, most recently active first, flagging the one named by the
// local pointer.
func (s *Service) GetSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	list, err := s.repo.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	current, err := s.pointer.Load(ctx)
	if err != nil {
		s.logger.Warn("read session pointer", zap.Error(err))
		_, current = s.Current()
	}
	out := make([]*domain.Session, 0, len(list))
	for _, sess := range list {
		if !sess.IsActive {
			continue
		}
		sess.IsCurrentSession = current != "" && sess.ID == current
		out = append(out, sess)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out, nil
}

// GetCurrentSession returns this device's live session record, or nil when none is live.
func (s *Service) GetCurrentSession(ctx context.Context) (*domain.Session, error) {
	userID, sid := s.Current()
	if sid == "" {
		return nil, nil
	}
	rec, err := s.repo.GetByID(ctx, userID, sid)
	if err != nil {
		return nil, fmt.Errorf("session: current: %w", err)
	}
	if rec != nil {
		rec.IsCurrentSession = true
	}
	return rec, nil
}

// Logout ends the live session and removes its record. The remote delete is best-effort.
func (s *Service) Logout(ctx context.Context) error {
	userID, sid := s.Current()
	if sid == "" {
		return nil
	}
	s.end(domain.Ended{Reason: domain.ReasonLogout, UserID: userID, SessionID: sid})
	if err := s.repo.Delete(ctx, userID, sid); err != nil {
		s.logger.Warn("delete session on logout", zap.String("session_id", sid), zap.Error(err))
	}
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, audit.ActionLogout, audit.ResourceSession, sid)
	}
	return nil
}

// Stop halts the heartbeat and monitor for process shutdown. The pointer and remote record are kept so the
// next start can adopt the session. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	s.userID, s.sessionID = "", ""
	sub := s.sub
	s.sub = nil
	s.monitorGen++
	s.attaching = false
	s.mu.Unlock()
	s.heartbeat.Stop()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (s *Service) emit(ctx context.Context, eventType, userID, sessionID, deviceID string, metadata any) {
	if s.emitter == nil {
		return
	}
	ev := telemetrydomain.Event{
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		EventType: eventType,
		Source:    telemetrySource,
		CreatedAt: s.clock.Now(),
	}
	if metadata != nil {
		ev = ev.WithMetadata(metadata)
	}
	telemetry.EmitAsync(s.emitter, ctx, &ev)
}
