/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/api"
	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/cache"
	"github.com/friendsincode/marathon_tracker/internal/config"
	"github.com/friendsincode/marathon_tracker/internal/db"
	"github.com/friendsincode/marathon_tracker/internal/eventbus"
	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/integrity"
	"github.com/friendsincode/marathon_tracker/internal/lock"
	"github.com/friendsincode/marathon_tracker/internal/schedule"
	"github.com/friendsincode/marathon_tracker/internal/scheduler"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db           *gorm.DB
	bus          events.Broker
	cache        *cache.Cache
	api          *api.API
	scheduler    *scheduler.Service
	auditSvc     *audit.Service
	integritySvc *integrity.Service

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}
	router.Use(telemetry.TracingMiddleware("marathon-tracker-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(30 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

// securityHeadersMiddleware hardens JSON and calendar responses. Nothing
// served here is meant to be framed.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware lets browser overlays on the listed origins read the
// schedule and drive it with the actor header.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", api.ActorHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}).Handler
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return err
	}

	// Event bus: in-process, or relayed through NATS across instances
	if s.cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.NodeID = s.cfg.InstanceID
		natsBus, err := eventbus.NewNATSBus(natsCfg, s.logger)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		s.bus = natsBus
		s.DeferClose(natsBus.Close)
	} else {
		s.bus = events.NewBus()
	}

	locker, err := s.newLocker()
	if err != nil {
		return err
	}

	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		s.cache = cache.New(cacheCfg, s.logger)
		s.DeferClose(s.cache.Close)
	}

	validator := scheduling.NewValidator(s.logger)
	s.auditSvc = audit.NewService(database, s.bus, s.logger)
	s.scheduler = scheduler.New(database, locker, validator, s.auditSvc, s.bus, s.logger)
	views := schedule.NewService(database, s.cache, s.logger)
	s.integritySvc = integrity.NewService(database, s.scheduler, validator, s.bus, s.logger)

	s.api = api.New(s.scheduler, views, s.integritySvc, s.auditSvc, s.logger)
	return nil
}

// newLocker picks the event lock backend. Redis is required when more
// than one instance writes to the same database.
func (s *Server) newLocker() (lock.Locker, error) {
	if s.cfg.LockBackend != config.LockRedis {
		s.logger.Info().Dur("timeout", s.cfg.LockTimeout).Msg("using in-process event lock")
		return lock.NewLocalLocker(s.cfg.LockTimeout), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis for event lock: %w", err)
	}
	s.DeferClose(client.Close)

	s.logger.Info().
		Str("redis_addr", s.cfg.RedisAddr).
		Str("instance_id", s.cfg.InstanceID).
		Dur("timeout", s.cfg.LockTimeout).
		Msg("using redis event lock")

	return lock.NewRedisLocker(client, lock.RedisConfig{
		Timeout:    s.cfg.LockTimeout,
		InstanceID: s.cfg.InstanceID,
	}, s.logger), nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
					if d, ok := s.bus.(interface{ Dropped() uint64 }); ok {
						telemetry.EventsDropped.Set(float64(d.Dropped()))
					}
				}
			}
		}()
	}

	if s.auditSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.auditSvc.Start(ctx)
		}()
	}

	if s.cache != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.cache.Start(ctx, s.bus)
		}()
	}

	if s.integritySvc != nil && s.cfg.IntegritySchedule != "" {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.integritySvc.Start(ctx, s.cfg.IntegritySchedule); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Str("schedule", s.cfg.IntegritySchedule).Msg("integrity scanner exited")
			}
		}()
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := `{"status":"ok"}`
		if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			status = http.StatusServiceUnavailable
			body = `{"status":"degraded","database":"unreachable"}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
