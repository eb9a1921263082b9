package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"campaignd/internal/campaign"
	"campaignd/internal/conflict"
	"campaignd/internal/store"
	logx "campaignd/pkg/logx"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr            string
	WebhookRate     float64
	WebhookBurst    int
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WebhookRate <= 0 {
		c.WebhookRate = 10
	}
	if c.WebhookBurst <= 0 {
		c.WebhookBurst = 20
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Signals is the slice of the evaluator the API needs for signal ingress.
type Signals interface {
	SignalEvent(ctx context.Context, eventName, secret string, payload map[string]any) (int, error)
	ObserveMetrics(ctx context.Context, samples map[string]float64) (int, error)
}

// Dispatcher enqueues executions for manual runs.
type Dispatcher interface {
	Enqueue(ctx context.Context, exec *store.Execution) error
}

// Server exposes the scheduling REST surface.
type Server struct {
	cfg      Config
	st       *store.Store
	resolver campaign.Resolver
	conflict *conflict.Detector
	signals  Signals
	disp     Dispatcher
	log      logx.Logger

	webhookLimit *rate.Limiter
	httpSrv      *http.Server
}

func New(cfg Config, st *store.Store, resolver campaign.Resolver, det *conflict.Detector, sig Signals, disp Dispatcher, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:          cfg,
		st:           st,
		resolver:     resolver,
		conflict:     det,
		signals:      sig,
		disp:         disp,
		log:          log,
		webhookLimit: rate.NewLimiter(rate.Limit(cfg.WebhookRate), cfg.WebhookBurst),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed separately so tests can drive it
// through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Post("/triggers/validate", s.handleValidateTrigger)

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Put("/schedule", s.handlePutSchedule)
		r.Get("/schedule", s.handleGetSchedule)
		r.Delete("/schedule", s.handleDeleteSchedule)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/execute", s.handleExecute)
		r.Get("/executions", s.handleListExecutions)
	})

	r.Get("/scheduled", s.handleListScheduled)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/webhooks/{event_name}", s.handleWebhook)
		r.Post("/metrics/sample", s.handleMetricSample)
	})

	return r
}

// Start runs the listener until it fails or Stop is called. ErrServerClosed
// is swallowed so a clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(sctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.webhookLimit.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
