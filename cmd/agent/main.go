// Agent is the per-device session and presence process. It registers or adopts this installation's session,
// keeps it alive, watches the user's other sessions, publishes presence and serves the local management API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/grpc/peer"

	"presence-agent/internal/audit"
	auditrepo "presence-agent/internal/audit/repository"
	"presence-agent/internal/bus"
	"presence-agent/internal/config"
	"presence-agent/internal/connectivity"
	"presence-agent/internal/device/identity"
	devicerepo "presence-agent/internal/device/repository"
	"presence-agent/internal/docstore/backend"
	healthhandler "presence-agent/internal/health/handler"
	"presence-agent/internal/lifecycle"
	"presence-agent/internal/localstate"
	"presence-agent/internal/platform/logging"
	"presence-agent/internal/policy/engine"
	policyrepo "presence-agent/internal/policy/repository"
	"presence-agent/internal/presence/cache"
	presencerepo "presence-agent/internal/presence/repository"
	presenceservice "presence-agent/internal/presence/service"
	"presence-agent/internal/security"
	"presence-agent/internal/server"
	"presence-agent/internal/server/interceptors"
	sessiondomain "presence-agent/internal/session/domain"
	sessionhandler "presence-agent/internal/session/handler"
	sessionrepo "presence-agent/internal/session/repository"
	sessionservice "presence-agent/internal/session/service"
	"presence-agent/internal/telemetry"
	telemetryotel "presence-agent/internal/telemetry/otel"
	"presence-agent/internal/telemetry/producer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.Env, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    "presence-agent",
		ServiceVersion: cfg.AppVersion,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}()
	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if brokers := cfg.TelemetryKafkaBrokersList(); len(brokers) > 0 {
		kp := producer.NewKafkaProducer(brokers, cfg.TelemetryKafkaTopic, logger)
		defer kp.Close()
		emitters = append(emitters, kp)
		logger.Info("telemetry to kafka", zap.Strings("brokers", brokers), zap.String("topic", cfg.TelemetryKafkaTopic))
	}
	emitter := telemetry.Multi(emitters...)

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var local localstate.Store = localstate.NewMemoryStore()
	if cfg.LocalStatePath != "" {
		sq, err := localstate.OpenSQLite(cfg.LocalStatePath)
		if err != nil {
			return fmt.Errorf("local state: %w", err)
		}
		defer sq.Close()
		local = sq
	}

	var notifier sessionservice.Notifier = bus.NewLogNotifier(logger)
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, nats.Name("presence-agent"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer b.Close()
		notifier = bus.NewNotifier(b, cfg.NATSSubjectPrefix)
	}

	sessionRepo := sessionrepo.NewDocstoreRepository(store)
	sessions := sessionservice.New(sessionservice.Deps{
		Repo:     sessionRepo,
		Pointer:  localstate.NewSessionPointer(local),
		Identity: sessionservice.StaticIdentity(cfg.UserID),
		Device:   identity.NewProvider(cfg.DeviceName, logger),
		Devices:  devicerepo.NewDocstoreRepository(store),
		Notifier: notifier,
		Emitter:  emitter,
		Audit:    audit.NewLogger(auditrepo.NewDocstoreRepository(store), peerIP, logger),
		Logger:   logger,
	}, sessionservice.Config{HeartbeatInterval: cfg.Heartbeat(), AppVersion: cfg.AppVersion})
	sessions.OnSessionEnded(func(e sessiondomain.Ended) {
		if e.Reason != sessiondomain.ReasonLogout {
			logger.Warn("signed out of this device", zap.String("reason", string(e.Reason)))
		}
	})
	sessions.OnNewSession(func(e sessiondomain.NewSessionDetected) {
		logger.Info("signed in on another device", zap.String("device_name", e.Session.DeviceInfo.DeviceName))
	})

	var policies policyrepo.Repository = policyrepo.NewDocstoreRepository(store)
	if cfg.SessionPolicyFile != "" {
		policies = policyrepo.Chain{policyrepo.NewFileRepository(cfg.SessionPolicyFile), policies}
	}
	authz := engine.NewOPAEvaluator(policies, logger)

	tokens, err := security.LoadTokenProvider(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	if err != nil {
		return err
	}
	if tokens == nil {
		logger.Info("no token keys configured; management calls act as the local user")
	}

	presenceRepo := presencerepo.NewDocstoreRepository(store)
	grpcServer := server.NewGRPCServer(server.Options{
		Tokens: tokens,
		Sessions: func(ctx context.Context, userID, sessionID string) (bool, error) {
			rec, err := sessionRepo.GetByID(ctx, userID, sessionID)
			return rec != nil && rec.IsActive, err
		},
		LocalIdentity: sessions.Current,
		Emitter:       emitter,
	})
	checker := healthhandler.NewChecker(store, authz, logger, sessionhandler.ServiceName)
	server.RegisterServices(grpcServer, server.Deps{
		Sessions: sessionhandler.NewServer(sessions, presenceRepo, authz, logger),
		Health:   checker,
	})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("management API listening", zap.String("addr", cfg.GRPCAddr))
		serveErr <- grpcServer.Serve(lis)
	}()
	go checker.Run(ctx, healthhandler.DefaultInterval)

	hub := lifecycle.NewHub(lifecycle.Active)
	prober := connectivity.NewProber(cfg.ConnectivityProbeAddr, cfg.ProbeInterval(), logger)
	go prober.Run(ctx)

	var publisher *presenceservice.Publisher
	if cfg.UserID == "" {
		logger.Warn("USER_ID not set; serving health only until a user signs in")
		lifecycle.WatchSignals(ctx, hub, nil, logger)
	} else {
		startSession(ctx, sessions, cfg.UserID, logger)

		var sinks []presenceservice.Sink
		if cfg.RedisURL != "" {
			rdb, err := cache.Connect(ctx, cfg.RedisURL)
			if err != nil {
				logger.Warn("presence mirror disabled", zap.Error(err))
			} else {
				defer rdb.Close()
				sinks = append(sinks, cache.NewRedisSink(rdb, cache.DefaultTTL))
			}
		}
		publisher = presenceservice.New(presenceservice.Deps{
			Writer:       presenceRepo,
			Sinks:        sinks,
			Lifecycle:    hub,
			Connectivity: prober,
			Emitter:      emitter,
			Meter:        providers.MeterProvider.Meter("presence-agent"),
			Logger:       logger,
		}, presenceservice.Config{UserID: cfg.UserID, IdleTimeout: cfg.IdleTimeout()})
		publisher.Start(ctx)
		lifecycle.WatchSignals(ctx, hub, func() {
			publisher.Touch()
			go activity(sessions)
		}, logger)

		unsub := prober.Subscribe(func(connected bool) {
			if connected {
				go reconnect(sessions, logger)
			}
		})
		defer unsub()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("serve", zap.Error(err))
		}
	}

	logger.Info("shutting down")
	checker.Shutdown()
	grpcServer.GracefulStop()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if publisher != nil {
		publisher.Stop(sctx)
	}
	sessions.Stop()
	// in-flight EmitAsync calls finish before the exporters shut down
	time.Sleep(telemetry.ShutdownDrainDuration)
	return nil
}

// startSession adopts the session named by the local pointer, or registers a new one. Failures are logged: the
// agent keeps serving and the next restart retries.
func startSession(ctx context.Context, sessions *sessionservice.Service, userID string, logger *zap.Logger) {
	adopted, err := sessions.FindExistingSession(ctx, userID)
	if err != nil {
		logger.Warn("could not check existing session", zap.Error(err))
	}
	if adopted {
		return
	}
	if err := sessions.RegisterSession(ctx, userID); err != nil {
		logger.Error("register session", zap.Error(err))
	}
}

func reconnect(sessions *sessionservice.Service, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Debug("connectivity restored")
	sessions.Reconnected(ctx)
}

func activity(sessions *sessionservice.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sessions.Activity(ctx)
}

// peerIP is the audit IP extractor: the client address of a gRPC call, or "" for the agent's own actions.
func peerIP(ctx context.Context) string {
	if _, ok := peer.FromContext(ctx); !ok {
		return ""
	}
	return interceptors.ClientIP(ctx)
}
