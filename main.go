package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"messenger/relay/internal/bridge"
	"messenger/relay/internal/config"
	"messenger/relay/internal/dispatch"
	httpapi "messenger/relay/internal/http"
	"messenger/relay/internal/logging"
	"messenger/relay/internal/session"
)

const shutdownGrace = 5 * time.Second

// runtimeState feeds the readiness probe: the backing bus health, the time
// the instance came up, and any fatal listener error.
type runtimeState struct {
	bus      bridge.Bus
	started  time.Time
	fatalErr atomic.Value
}

func (s *runtimeState) BusConnected() bool { return s.bus.Connected() }

func (s *runtimeState) StartupError() error {
	if err, ok := s.fatalErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *runtimeState) Uptime() time.Duration { return time.Since(s.started) }

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("initialise logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	registry := session.NewRegistry(logger)

	var bus bridge.Bus
	if cfg.NATSURL != "" {
		bus, err = bridge.NewNATSBus(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("connect to shared log", logging.Error(err))
		}
	} else {
		logger.Warn("no shared log configured, falling back to the in-process bus; cross-instance fan-out is disabled")
		bus = bridge.NewMemoryBus(logger)
	}
	defer func() { _ = bus.Close() }()

	br := bridge.New(bus, registry, cfg.PublishTimeout, logger)
	if err := br.Start(); err != nil {
		logger.Fatal("subscribe to shared log", logging.Error(err))
	}
	defer br.Stop()

	authenticator, err := newJWTUpgradeAuthenticator(cfg.JWTSecret, cfg.JWTLeeway)
	if err != nil {
		logger.Fatal("configure token verifier", logging.Error(err))
	}

	var limiter *httpapi.SlidingWindowLimiter
	if cfg.UpgradeBurst > 0 {
		limiter = httpapi.NewSlidingWindowLimiter(cfg.UpgradeWindow, cfg.UpgradeBurst, nil)
	}

	dispatcher := dispatch.New(registry, br, logger)
	gateway := NewGateway(cfg, registry, dispatcher, br, authenticator, limiter, logger)

	state := &runtimeState{bus: bus, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: state,
		Stats:     registry.Snapshot,
		Published: br.Published,
	})
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("relay listening", logging.String("address", cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			state.fatalErr.Store(err)
			logger.Error("listener stopped", logging.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
	gateway.Close()
}
