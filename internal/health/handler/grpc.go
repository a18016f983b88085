package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultInterval is how often Run re-evaluates readiness.
const DefaultInterval = 15 * time.Second

const checkTimeout = 3 * time.Second

// Pinger checks the document store. docstore.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker checks the policy engine. The OPA evaluator satisfies it.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker drives a standard grpc.health.v1 server from readiness probes of the agent's dependencies.
// The overall status ("") and each registered service name flip together.
type Checker struct {
	srv      *health.Server
	pinger   Pinger
	policy   PolicyChecker
	services []string
	logger   *zap.Logger
}

// NewChecker returns a Checker. pinger and policy may be nil; a nil check always passes. services are the
// fully qualified names reported alongside the overall status.
func NewChecker(pinger Pinger, policy PolicyChecker, logger *zap.Logger, services ...string) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		srv:      health.NewServer(),
		pinger:   pinger,
		policy:   policy,
		services: services,
		logger:   logger.Named("health"),
	}
}

// Server returns the health server to register with healthpb.RegisterHealthServer.
func (c *Checker) Server() *health.Server { return c.srv }

// Check runs every probe once and publishes the result. It never returns an error: a failed probe is reported
// as NOT_SERVING.
func (c *Checker) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	st := healthpb.HealthCheckResponse_SERVING
	if c.pinger != nil {
		if err := c.pinger.Ping(ctx); err != nil {
			c.logger.Warn("document store not ready", zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			c.logger.Warn("policy engine not ready", zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	c.set(st)
	return st
}

func (c *Checker) set(st healthpb.HealthCheckResponse_ServingStatus) {
	c.srv.SetServingStatus("", st)
	for _, name := range c.services {
		c.srv.SetServingStatus(name, st)
	}
}

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Shutdown reports NOT_SERVING for everything and ignores later updates, for graceful stop.
func (c *Checker) Shutdown() { c.srv.Shutdown() }
