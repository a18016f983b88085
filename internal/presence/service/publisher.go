package service

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"presence-agent/internal/connectivity"
	"presence-agent/internal/lifecycle"
	"presence-agent/internal/platform/timer"
	"presence-agent/internal/presence/domain"
	"presence-agent/internal/telemetry"
	telemetrydomain "presence-agent/internal/telemetry/domain"
)

// DefaultIdleTimeout is how long the user may be inactive in the foreground before presence goes offline.
const DefaultIdleTimeout = 2 * time.Minute

const writeTimeout = 10 * time.Second

// Writer persists presence records.
type Writer interface {
	Write(ctx context.Context, r domain.Record) error
}

// Sink mirrors presence records elsewhere. Errors are logged and ignored.
type Sink interface {
	Publish(ctx context.Context, r domain.Record) error
}

// Config holds publisher settings.
type Config struct {
	UserID      string
	IdleTimeout time.Duration
}

// Deps are the collaborators of the publisher. Writer, Lifecycle and Connectivity are required.
type Deps struct {
	Writer       Writer
	Sinks        []Sink
	Lifecycle    lifecycle.Source
	Connectivity connectivity.Source
	Emitter      telemetry.EventEmitter
	Clock        timer.Clock
	Meter        metric.Meter
	Logger       *zap.Logger
}

// Publisher derives a user's online/offline status from app state, connectivity and activity, and writes
// every transition to the user's profile. Handlers are serialized and each holds the lock across its write,
// so records land in the order their triggers happened.
type Publisher struct {
	cfg          Config
	writer       Writer
	sinks        []Sink
	lifecycle    lifecycle.Source
	connectivity connectivity.Source
	emitter      telemetry.EventEmitter
	clock        timer.Clock
	logger       *zap.Logger
	updates      metric.Int64Counter

	idle *timer.CancellableTimer

	mu         sync.Mutex
	running    bool
	foreground bool
	connected  bool
	status     domain.Status
	idleGen    uint64
	unsubLife  func()
	unsubConn  func()
}

// New returns a stopped Publisher.
func New(deps Deps, cfg Config) *Publisher {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if deps.Clock == nil {
		deps.Clock = timer.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter("presence-agent/presence")
	}
	logger := deps.Logger.Named("presence")
	updates, err := deps.Meter.Int64Counter("presence_updates_total",
		metric.WithDescription("Presence records written, by status."))
	if err != nil {
		logger.Warn("create presence counter", zap.Error(err))
	}
	return &Publisher{
		cfg:          cfg,
		writer:       deps.Writer,
		sinks:        deps.Sinks,
		lifecycle:    deps.Lifecycle,
		connectivity: deps.Connectivity,
		emitter:      deps.Emitter,
		clock:        deps.Clock,
		logger:       logger,
		updates:      updates,
		idle:         timer.NewCancellable(deps.Clock),
	}
}

// Start reads the current app state and connectivity, publishes the resulting status and subscribes to
// both sources. Calling Start on a running publisher does nothing.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.foreground = p.lifecycle.Current().Foreground()
	p.connected = p.connectivity.Current(ctx)
	p.unsubLife = p.lifecycle.Subscribe(p.onLifecycle)
	p.unsubConn = p.connectivity.Subscribe(p.onConnectivity)
	if p.foreground && p.connected {
		p.goOnlineLocked()
	} else {
		p.writeLocked(domain.StatusOffline)
	}
}

// Status returns the last published status, empty before Start.
func (p *Publisher) Status() domain.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Publisher) onLifecycle(s lifecycle.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.foreground = s.Foreground()
	if p.foreground && p.connected {
		p.goOnlineLocked()
		return
	}
	p.goOfflineLocked()
}

func (p *Publisher) onConnectivity(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.connected = connected
	if !connected {
		p.goOfflineLocked()
		return
	}
	if p.foreground {
		p.goOnlineLocked()
	}
}

// Touch records user activity: it pushes the idle deadline out, and republishes online if the user had
// idled out while foregrounded and connected.
func (p *Publisher) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || !p.foreground || !p.connected {
		return
	}
	if p.status != domain.StatusOnline {
		p.goOnlineLocked()
		return
	}
	p.armIdleLocked()
}

func (p *Publisher) goOnlineLocked() {
	p.writeLocked(domain.StatusOnline)
	p.armIdleLocked()
}

func (p *Publisher) goOfflineLocked() {
	p.idleGen++
	p.idle.Cancel()
	if p.status == domain.StatusOffline {
		return
	}
	p.writeLocked(domain.StatusOffline)
}

func (p *Publisher) armIdleLocked() {
	p.idleGen++
	gen := p.idleGen
	p.idle.Start(p.cfg.IdleTimeout, func() { p.onIdle(gen) })
}

// onIdle may have been released by the timer just before a handler re-armed it; gen drops that call.
func (p *Publisher) onIdle(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || gen != p.idleGen || p.status != domain.StatusOnline {
		return
	}
	p.logger.Debug("idle timeout", zap.String("user_id", p.cfg.UserID))
	p.writeLocked(domain.StatusOffline)
}

// Stop cancels the idle timer, unsubscribes from both sources and writes a final offline record. The write
// is best-effort. Idempotent.
func (p *Publisher) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.idle.Cancel()
	if p.unsubLife != nil {
		p.unsubLife()
	}
	if p.unsubConn != nil {
		p.unsubConn()
	}
	p.unsubLife, p.unsubConn = nil, nil
	p.writeWithContext(ctx, domain.StatusOffline)
}

func (p *Publisher) writeLocked(status domain.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	p.writeWithContext(ctx, status)
}

func (p *Publisher) writeWithContext(ctx context.Context, status domain.Status) {
	rec := domain.Record{UserID: p.cfg.UserID, Status: status, LastSeen: p.clock.Now()}
	p.status = status
	if err := p.writer.Write(ctx, rec); err != nil {
		p.logger.Warn("write presence", zap.String("status", string(status)), zap.Error(err))
		return
	}
	for _, s := range p.sinks {
		if err := s.Publish(ctx, rec); err != nil {
			p.logger.Warn("mirror presence", zap.String("status", string(status)), zap.Error(err))
		}
	}
	if p.updates != nil {
		p.updates.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	if p.emitter != nil {
		ev := telemetrydomain.Event{
			UserID:    rec.UserID,
			EventType: telemetrydomain.EventPresenceChanged,
			Source:    "presence",
			CreatedAt: rec.LastSeen,
		}.WithMetadata(map[string]string{"status": string(status)})
		telemetry.EmitAsync(p.emitter, ctx, &ev)
	}
}
