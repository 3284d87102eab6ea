package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/commonprefix/mock-gmp-api/pkg/broadcast"
	"github.com/commonprefix/mock-gmp-api/pkg/ingest"
	"github.com/commonprefix/mock-gmp-api/pkg/observability"
	"github.com/commonprefix/mock-gmp-api/pkg/payload"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

// maxBodySize caps every request body at 256 KiB.
const maxBodySize = 262_144

// Server is the HTTP gateway over the mock's components.
type Server struct {
	logger      *slog.Logger
	tasks       *store.TaskStore
	ingestor    *ingest.Ingestor
	engine      *broadcast.Engine
	payloads    payload.Store
	handler     http.Handler
	limiter     *RateLimiter
	idempotency *IdempotencyStore
}

// Options tunes the ambient middleware.
type Options struct {
	// RateLimitRPS enables per-IP rate limiting when positive.
	RateLimitRPS   int
	RateLimitBurst int
	// IdempotencyTTL enables Idempotency-Key replay when positive.
	IdempotencyTTL time.Duration
	// Telemetry adds tracing and RED metrics per request when set.
	Telemetry *observability.Provider
}

// NewServer wires the routes and middleware chain.
func NewServer(logger *slog.Logger, tasks *store.TaskStore, ingestor *ingest.Ingestor, engine *broadcast.Engine, payloads payload.Store, opts Options) *Server {
	s := &Server{
		logger:   logger,
		tasks:    tasks,
		ingestor: ingestor,
		engine:   engine,
		payloads: payloads,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chain/{chain}/tasks", s.handleListTasks)
	mux.HandleFunc("POST /chain/{chain}/task", s.handleEnqueueTask)
	mux.HandleFunc("POST /chain/{chain}/events", s.handlePostEvents)
	mux.HandleFunc("POST /contracts/{address}/broadcasts", s.handleSubmitBroadcast)
	mux.HandleFunc("GET /contracts/{address}/broadcasts/{id}", s.handleGetBroadcast)
	mux.HandleFunc("POST /payloads", s.handleStorePayload)
	mux.HandleFunc("GET /payloads/{hash}", s.handleGetPayload)
	mux.HandleFunc("GET /health", s.handleHealth)

	var handler http.Handler = mux
	if opts.IdempotencyTTL > 0 {
		s.idempotency = NewIdempotencyStore(opts.IdempotencyTTL)
		handler = IdempotencyMiddleware(s.idempotency)(handler)
	}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = opts.RateLimitRPS
		}
		s.limiter = NewRateLimiter(opts.RateLimitRPS, burst)
		handler = s.limiter.Middleware(handler)
	}
	if opts.Telemetry != nil {
		handler = TelemetryMiddleware(opts.Telemetry)(handler)
	}
	handler = LoggingMiddleware(logger)(handler)
	handler = RequestIDMiddleware(handler)
	s.handler = handler
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close stops the middleware background sweeps. The handler keeps serving,
// but rate-limit and idempotency state is no longer expired.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.idempotency != nil {
		s.idempotency.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
