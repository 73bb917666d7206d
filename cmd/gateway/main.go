// The gateway exposes the execution engine over HTTP: project and policy
// administration, intent execution and simulation, plans, history, facts,
// snapshots, revert and reconstruction, webhook and schedule management, and
// a websocket stream of committed results.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"warden/pkg/engine"
	"warden/pkg/hardening"
	"warden/pkg/httpx"
	"warden/pkg/metrics"
	"warden/pkg/models"
	"warden/pkg/observer"
	"warden/pkg/ratelimit"
	"warden/pkg/registry"
	"warden/pkg/schedule"
	"warden/pkg/statebus"
	"warden/pkg/store"
	"warden/pkg/stream"
	"warden/pkg/telemetry"
	"warden/pkg/webhook"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr                string        `env:"ADDR" envDefault:":8080"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	CORSAllowedOrigins  string        `env:"CORS_ALLOWED_ORIGINS"`
	WSAllowedOrigins    []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	MaxRequestBodyBytes int64         `env:"MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`
	ReadHeaderTimeout   time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout         time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout        time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout         time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	RateLimitEnabled   bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitPerMinute int  `env:"RATE_LIMIT_PER_MINUTE" envDefault:"240"`

	MemoryStore         bool          `env:"MEMORY_STORE" envDefault:"false"`
	PolicyCacheTTL      time.Duration `env:"POLICY_CACHE_TTL" envDefault:"5s"`
	CheckpointInterval  int           `env:"CHECKPOINT_INTERVAL" envDefault:"5"`
	LockTimeout         time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`
	DisableConfirmation bool          `env:"DISABLE_CONFIRMATION" envDefault:"false"`

	SchedulerEnabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`
	ObserverInterval  time.Duration `env:"OBSERVER_INTERVAL" envDefault:"500ms"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"warden.executions"`

	Environment           string `env:"ENVIRONMENT"`
	StrictProdSecurity    string `env:"STRICT_PROD_SECURITY"`
	DatabaseRequireTLS    string `env:"DATABASE_REQUIRE_TLS"`
	RedisAddr             string `env:"REDIS_ADDR"`
	RedisRequireTLS       string `env:"REDIS_REQUIRE_TLS"`
	RedisTLSInsecure      string `env:"REDIS_TLS_INSECURE"`
	RedisAllowInsecureTLS string `env:"REDIS_ALLOW_INSECURE_TLS"`
}

// Server carries the gateway's injected dependencies. Handlers hang off it
// so tests can assemble one around the in-memory repository.
type Server struct {
	Repo     store.Repository
	Engine   *engine.Engine
	Registry registry.Registry
	Webhooks *webhook.Trigger
	Events   *stream.Hub
	Observer *observer.Observer
	Metrics  *metrics.Registry

	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	WSAllowedOrigins    []string

	Log zerolog.Logger
}

// Routes builds the chi router for the full HTTP surface.
func (s *Server) Routes(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/actions", s.handleListActions)
		r.Get("/components", s.handleListComponents)

		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects", s.handleListProjects)
		r.Route("/projects/{project_id}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handlePurgeProject)
			r.Post("/archive", s.handleArchiveProject)
			r.Post("/members", s.handleAddMember)

			r.Get("/policy", s.handleGetPolicy)
			r.Put("/policy", s.handleSetPolicy)

			r.Post("/execute", s.handleExecute)
			r.Post("/simulate", s.handleSimulate)
			r.Post("/plan", s.handlePlan)

			r.Get("/history", s.handleHistory)
			r.Get("/budget/forecast", s.handleBudgetForecast)
			r.Get("/users/{user_id}/facts", s.handleListFacts)

			r.Get("/snapshots/latest", s.handleLatestSnapshot)
			r.Get("/snapshots/{snapshot_id}", s.handleGetSnapshot)
			r.Post("/revert", s.handleRevert)
			r.Get("/reconstruct", s.handleReconstruct)

			r.Get("/webhooks", s.handleListWebhooks)
			r.Get("/schedules", s.handleListSchedules)
		})

		r.Put("/users/{user_id}", s.handlePutUser)
		r.Get("/users/{user_id}", s.handleGetUser)

		r.Post("/webhooks", s.handlePutWebhook)
		r.Delete("/webhooks/{webhook_id}", s.handleDeleteWebhook)
		r.Post("/hooks/{webhook_id}", s.handleWebhookTrigger)

		r.Post("/schedules", s.handlePutSchedule)
		r.Delete("/schedules/{schedule_id}", s.handleDeleteSchedule)

		r.Get("/stream", s.handleStream)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.Repo.Health(ctx); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routePattern(r)
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

// routePattern prefers the chi route template so per-project paths share one
// metric series.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		decision := s.RateLimiter.Allow("ip:"+clientIP(r), s.RateLimitPerMinute)
		if !decision.Allowed {
			w.Header().Set("Retry-After", time.Until(decision.ResetAt).Round(time.Second).String())
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("service", "gateway").Logger()
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("parse config")
	}
	log := newLogger(cfg.LogLevel)
	ctx := context.Background()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		DatabaseRequireTLS:    cfg.DatabaseRequireTLS,
		RedisAddr:             cfg.RedisAddr,
		RedisRequireTLS:       cfg.RedisRequireTLS,
		RedisTLSInsecure:      cfg.RedisTLSInsecure,
		RedisAllowInsecureTLS: cfg.RedisAllowInsecureTLS,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
	}); err != nil {
		log.Fatal().Err(err).Msg("production hardening")
	}

	shutdownTracing, err := telemetry.Init(ctx, "gateway")
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var repo store.Repository
	if cfg.MemoryStore {
		repo = store.NewMemory()
	} else {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		redisClient, err := store.NewRedis(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-process policy cache")
		}
		repo = store.NewPolicyCache(store.NewPostgres(pool), store.NewCache(ctx, redisClient), cfg.PolicyCacheTTL)
	}

	reg := registry.NewInMemory()
	registry.RegisterStdlib(reg)
	registry.RegisterSystem(reg)

	eng := engine.New(reg, repo, engine.Config{
		CheckpointInterval:  cfg.CheckpointInterval,
		LockTimeout:         cfg.LockTimeout,
		DisableConfirmation: cfg.DisableConfirmation,
	}, log)

	hub := stream.NewHub()
	obs := observer.New(repo, cfg.ObserverInterval, log)
	obs.Subscribe(func(projectID string, res models.ExecutionResult) {
		hub.Publish(stream.ExecutionEvent(projectID, &res))
	})
	if projects, err := repo.ListProjects(ctx); err == nil {
		for _, p := range projects {
			if !p.Archived {
				obs.Watch(p.ID)
			}
		}
	}
	obs.Start()
	defer obs.Stop()

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("init kafka publisher")
		}
		defer pub.Close()
		eng.RegisterHook(statebus.EngineHook(pub, log))
	}

	if cfg.SchedulerEnabled {
		worker := schedule.NewWorker(eng, repo, cfg.SchedulerInterval, log)
		worker.Start()
		defer worker.Stop()
	}

	s := &Server{
		Repo:                repo,
		Engine:              eng,
		Registry:            reg,
		Webhooks:            webhook.NewTrigger(eng, repo, log),
		Events:              hub,
		Observer:            obs,
		Metrics:             metrics.NewRegistry(),
		RateLimiter:         newLimiter(ctx, log),
		RateLimitEnabled:    cfg.RateLimitEnabled,
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WSAllowedOrigins:    cfg.WSAllowedOrigins,
		Log:                 log,
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}

// newLimiter prefers the shared redis window so replicas enforce one budget,
// and falls back to a per-process window when redis is absent.
func newLimiter(ctx context.Context, log zerolog.Logger) ratelimit.Limiter {
	client, err := store.NewRedis(ctx)
	if err != nil || client == nil {
		log.Debug().Msg("rate limiter running in-process")
		return ratelimit.NewInMemory(time.Minute)
	}
	return ratelimit.NewRedis(client, time.Minute)
}
