package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"okoa-go/internal/metrics"
	"okoa-go/internal/okoa"
)

// maxPayloadBytes caps a write submitted to the outbox API.
const maxPayloadBytes = 1 << 20 // 1MB

// Options tunes the HTTP surface.
type Options struct {
	RateLimitRPS   float64 // per client on POST /api/outbox; 0 disables
	RateLimitBurst int
	FlushOnEnqueue bool // start a background flush after every accepted write
}

// Server exposes the content cache as a caching proxy for the origin, plus a
// small JSON API over the outbox.
type Server struct {
	cache   *okoa.ContentCache
	outbox  *okoa.Outbox
	sync    *okoa.SyncCoordinator
	latency *metrics.LatencyTracker
	logger  *slog.Logger
	opts    Options

	// background flushes started by enqueue
	mu      sync.Mutex
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Server. latency may be nil.
func New(cache *okoa.ContentCache, outbox *okoa.Outbox, coord *okoa.SyncCoordinator, latency *metrics.LatencyTracker, logger *slog.Logger, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cache:   cache,
		outbox:  outbox,
		sync:    coord,
		latency: latency,
		logger:  logger,
		opts:    opts,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.opts.RateLimitRPS > 0 {
				r.Use(RateLimit(s.baseCtx, s.opts.RateLimitRPS, s.opts.RateLimitBurst))
			}
			r.Post("/outbox", s.handleEnqueue)
		})
		r.Get("/outbox", s.handleListOutbox)
		r.Get("/outbox/{id}", s.handleGetWrite)
		r.Post("/outbox/flush", s.handleFlush)
		r.Get("/cache", s.handleCacheStatus)
		r.Get("/stats", s.handleStats)
	})

	r.NotFound(s.handleProxy)
	r.MethodNotAllowed(s.handleProxy)
	return r
}

// Close cancels background flushes and waits for them to return.
// Rate limiter cleanup stops too.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// flushInBackground starts an explicit flush unless the server is closed.
func (s *Server) flushInBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.sync.FlushOnce(s.baseCtx, okoa.TriggerExplicit); err != nil && s.baseCtx.Err() == nil {
			s.logger.Warn("background flush failed", "error", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}
