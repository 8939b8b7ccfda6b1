package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"stockflow/internal/aggregate"
	"stockflow/internal/broker"
	"stockflow/internal/config"
	"stockflow/internal/domain"
	"stockflow/internal/metrics"
	"stockflow/internal/notify"
	"stockflow/internal/publish"
	"stockflow/internal/storage"
)

type Publisher interface {
	Publish(domain.Event) *publish.Future
	BatchStatus() publish.BatchStatus
	Metrics() publish.Metrics
}

type Broker interface {
	Status() map[broker.Role]broker.RoleStatus
	Failed() bool
}

type Dedup interface {
	Enabled() bool
	Connected() bool
	FallbackSize() int
}

type Analytics interface {
	Snapshot(ctx context.Context) (aggregate.Stats, error)
	Reset(ctx context.Context) (aggregate.Stats, error)
}

type Stream interface {
	http.Handler
	Stats() notify.Stats
	Close()
}

type DeadLetters interface {
	Get(ctx context.Context, id int64) (storage.DeadLetter, error)
	List(ctx context.Context, consumer string, limit int) ([]storage.DeadLetter, error)
	Count(ctx context.Context) (int, error)
}

// Check is a readiness probe for an optional dependency.
type Check func(ctx context.Context) error

// Deps are the components behind the HTTP surface. Nil members disable
// their routes.
type Deps struct {
	Publisher   Publisher
	Broker      Broker
	Dedup       Dedup
	Analytics   Analytics
	Stream      Stream
	DeadLetters DeadLetters
	Checks      map[string]Check
}

// Server is the operational HTTP surface.
type Server struct {
	deps            Deps
	scaling         config.ScalingConfig
	shutdownTimeout time.Duration
	log             zerolog.Logger
	started         time.Time
	now             func() time.Time
	server          *http.Server
}

func New(cfg config.ServerConfig, scaling config.ScalingConfig, deps Deps, lg zerolog.Logger) *Server {
	s := &Server{
		deps:            deps,
		scaling:         scaling,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             lg.With().Str("component", "http").Logger(),
		now:             time.Now,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 15 * time.Second
	}
	s.started = s.now()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// open event streams never go idle on their own
	if deps.Stream != nil {
		s.server.RegisterOnShutdown(deps.Stream.Close)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Get("/metrics", s.metricsJSON)
	r.Handle("/metrics/prometheus", metrics.Handler())

	if s.deps.Publisher != nil {
		r.Post("/events", s.submitEvent)
	}
	if s.deps.Stream != nil {
		r.Get("/events/stream", s.deps.Stream.ServeHTTP)
	}
	if s.deps.Analytics != nil {
		r.Route("/analytics", func(r chi.Router) {
			r.Get("/", s.analytics)
			r.Post("/reset", s.resetAnalytics)
		})
	}
	if s.deps.DeadLetters != nil {
		r.Get("/dead-letters", s.listDeadLetters)
		r.Get("/dead-letters/{id}", s.getDeadLetter)
	}
	return r
}

// Run serves until ctx ends, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	<-errCh
	s.log.Info().Err(err).Msg("http server stopped")
	return err
}
