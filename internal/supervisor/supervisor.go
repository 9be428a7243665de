// Package supervisor assembles the session cache, abuse cache, user
// store, bucket manager, and router, starts them, and tears them down in
// reverse order on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mbridges/sockgate/internal/abuse"
	"github.com/mbridges/sockgate/internal/bucket"
	"github.com/mbridges/sockgate/internal/config"
	"github.com/mbridges/sockgate/internal/console"
	"github.com/mbridges/sockgate/internal/health"
	"github.com/mbridges/sockgate/internal/metrics"
	"github.com/mbridges/sockgate/internal/router"
	"github.com/mbridges/sockgate/internal/session"
	"github.com/mbridges/sockgate/internal/userstore"
	"github.com/mbridges/sockgate/internal/workersocket"
)

// Supervisor is component G: it owns every other component's lifecycle.
type Supervisor struct {
	cfg *config.Config

	runID string

	sessions *session.Cache
	abuse    *abuse.Cache
	store    userstore.Store
	buckets  *bucket.Manager
	router   *router.Router

	healthServer  interface{ Shutdown(context.Context) error }
	metricsCancel func()

	stopSweeps chan struct{}
}

// New builds a Supervisor from a loaded configuration. No component is
// started yet.
func New(cfg *config.Config, handler workersocket.Handler) (*Supervisor, error) {
	store, err := userstore.NewSQLiteStore(cfg.Router.UserStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening user store: %w", err)
	}

	buckets := make([]*bucket.Bucket, len(cfg.Buckets))
	for i, spec := range cfg.Buckets {
		buckets[i] = bucket.New(spec, cfg.Router.WorkerIdleTimeout, handler)
	}
	bucketMgr := bucket.NewManager(buckets)

	sessions := session.New()
	abuseCache := abuse.NewWithConfig(int64(cfg.Router.RateLimit.BackoffMultiplier), int64(cfg.Router.RateLimit.BlockDuration.Seconds()))

	rtr := router.New(router.Config{
		ListenAddr:     cfg.Router.ListenAddr,
		ListenPort:     cfg.Router.ListenPort,
		ReadBufferSize: cfg.Router.ReadBufferSize,
		RetryAttempts:  cfg.Router.RetryAttempts,
		RetryDelay:     cfg.Router.RetryDelay,
		MinUsernameLen: cfg.Router.Credentials.MinUsernameLen,
		MaxUsernameLen: cfg.Router.Credentials.MaxUsernameLen,
		MinPasswordLen: cfg.Router.Credentials.MinPasswordLen,
		MaxPasswordLen: cfg.Router.Credentials.MaxPasswordLen,
	}, sessions, abuseCache, store, bucketMgr)

	return &Supervisor{
		cfg:        cfg,
		runID:      uuid.NewString(),
		sessions:   sessions,
		abuse:      abuseCache,
		store:      store,
		buckets:    bucketMgr,
		router:     rtr,
		stopSweeps: make(chan struct{}),
	}, nil
}

// Start brings up buckets, the router, the health server, the metrics
// server, and the background sweep goroutines, in that order.
func (s *Supervisor) Start(ctx context.Context) error {
	console.Banner("sockgate %s starting (instance=%s, run=%s)", versionPlaceholder, s.cfg.Router.InstanceID, s.runID)

	if err := s.buckets.StartAll(ctx); err != nil {
		return fmt.Errorf("starting buckets: %w", err)
	}
	console.Success("buckets ready: %d bucket(s)", len(s.cfg.Buckets))

	if err := s.router.Start(ctx); err != nil {
		s.buckets.ShutdownAll()
		return fmt.Errorf("starting router: %w", err)
	}
	console.Success("front door listening on %s:%d", s.cfg.Router.ListenAddr, s.cfg.Router.ListenPort)

	healthAddr := fmt.Sprintf(":%d", s.cfg.Router.HealthCheckPort)
	checker := health.NewChecker(s.cfg.Router.InstanceID, s.store, s.buckets)
	s.healthServer = checker.ServeHTTP(healthAddr)

	metricsServer := startMetricsServer(s.cfg.Router.MetricsPort)
	s.metricsCancel = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}

	metrics.InstanceHeartbeat.WithLabelValues(s.cfg.Router.InstanceID).Set(1)

	go s.sweepLoop()

	return nil
}

// sweepLoop periodically evicts inactive sessions and stale abuse
// entries, and publishes occupancy gauges.
func (s *Supervisor) sweepLoop() {
	ticker := time.NewTicker(s.cfg.Router.SessionSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweeps:
			return
		case <-ticker.C:
			evicted := s.sessions.EvictInactive(int64(s.cfg.Router.SessionIdleTimeout.Seconds()))
			if evicted > 0 {
				log.Printf("[supervisor] evicted %d inactive session(s)", evicted)
			}
			swept := s.abuse.Sweep()
			if swept > 0 {
				log.Printf("[supervisor] swept %d stale abuse entries", swept)
			}

			metrics.SessionsActive.Set(float64(s.sessions.Len()))
			metrics.AbuseEntriesActive.Set(float64(s.abuse.Len()))
			for _, bs := range s.buckets.Stats() {
				metrics.BucketConnectionsActive.WithLabelValues(bs.ID).Set(float64(bs.CurrentConnections))
				metrics.BucketCapacity.WithLabelValues(bs.ID).Set(float64(bs.Capacity))
				full := 0.0
				if bs.Full {
					full = 1.0
				}
				metrics.BucketFull.WithLabelValues(bs.ID).Set(full)
			}
		}
	}
}

// Shutdown tears every component down in reverse order: stop the front
// door, join its goroutines, shut down all buckets (each joining its
// per-socket workers), stop the sweep loop, close the user store.
func (s *Supervisor) Shutdown(ctx context.Context) {
	console.Warn("shutting down...")

	metrics.InstanceHeartbeat.WithLabelValues(s.cfg.Router.InstanceID).Set(0)

	if s.healthServer != nil {
		_ = s.healthServer.Shutdown(ctx)
	}
	if s.metricsCancel != nil {
		s.metricsCancel()
	}

	if err := s.router.Stop(ctx); err != nil {
		log.Printf("[supervisor] router stop error: %v", err)
	}

	s.buckets.ShutdownAll()

	close(s.stopSweeps)

	if err := s.store.Close(); err != nil {
		log.Printf("[supervisor] user store close error: %v", err)
	}

	console.Success("shutdown complete")
}

const versionPlaceholder = "dev"
