// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the probe period when none is configured.
const DefaultInterval = 15 * time.Second

// Source reports reachability and its transitions.
type Source interface {
	Current(ctx context.Context) bool
	// Subscribe calls fn on every transition until the returned func is called.
	Subscribe(fn func(connected bool)) (unsubscribe func())
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Prober dials a TCP address on an interval and publishes transitions. Until the first probe completes it
// reports connected, so a slow start does not flap presence offline.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   *zap.Logger

	mu        sync.Mutex
	connected bool
	next      int
	subs      map[int]func(bool)
}

// NewProber returns a Prober for addr. An empty addr yields a prober that always reports connected.
func NewProber(addr string, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &net.Dialer{}
	return &Prober{
		addr:      addr,
		interval:  interval,
		timeout:   5 * time.Second,
		dial:      d.DialContext,
		logger:    logger.Named("connectivity"),
		connected: true,
		subs:      make(map[int]func(bool)),
	}
}

func (p *Prober) Current(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Prober) Subscribe(fn func(bool)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := p.next
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Run probes until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	if p.addr == "" {
		return
	}
	p.Probe(ctx)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Probe(ctx)
		}
	}
}

// Probe dials once and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	if p.addr == "" {
		return true
	}
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(dctx, "tcp", p.addr)
	ok := err == nil
	if ok {
		_ = conn.Close()
	} else if ctx.Err() != nil {
		return p.Current(ctx)
	}
	p.set(ok, err)
	return ok
}

func (p *Prober) set(connected bool, cause error) {
	p.mu.Lock()
	if p.connected == connected {
		p.mu.Unlock()
		return
	}
	p.connected = connected
	fns := make([]func(bool), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	if connected {
		p.logger.Info("backend reachable", zap.String("addr", p.addr))
	} else {
		p.logger.Warn("backend unreachable", zap.String("addr", p.addr), zap.Error(cause))
	}
	for _, fn := range fns {
		fn(connected)
	}
}

// Static is a Source with a fixed or manually changed state. Tests and agents without a probe target use it.
type Static struct {
	p *Prober
}

// NewStatic returns a Static source reporting connected.
func NewStatic(connected bool) *Static {
	p := NewProber("", 0, nil)
	p.connected = connected
	return &Static{p: p}
}

func (s *Static) Current(ctx context.Context) bool { return s.p.Current(ctx) }

func (s *Static) Subscribe(fn func(bool)) func() { return s.p.Subscribe(fn) }

// Set changes the state, notifying subscribers on a transition.
func (s *Static) Set(connected bool) { s.p.set(connected, nil) }
