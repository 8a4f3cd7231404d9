/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into the log context
  2. RealIP:     Client address from proxy headers
  3. Logging:    One structured line per request (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count and latency per route pattern
  6. CORS:       Cross-origin requests for the back-office UI

ROUTE GROUPS:
  /api/settlements/*    Generation, preview, lifecycle
  /api/drivers/*        Per-driver history and advance requests
  /api/advances/*       Advance review
  /api/rules            Rule creation
  /metrics              Prometheus scrape endpoint (when enabled)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/metrics"
)

// RouterOptions configures optional router features.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *metrics.HTTPMetrics

	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/settlements", func(r chi.Router) {
			r.Post("/", h.GenerateSettlement)
			r.Post("/preview", h.PreviewSettlement)
			r.Get("/{id}", h.GetSettlement)
			r.Get("/{id}/line-items", h.ListLineItems)
			r.Get("/{id}/activity", h.ListSettlementActivity)
			r.Post("/{id}/recalculate", h.RecalculateSettlement)
			r.Post("/{id}/approve", h.ApproveSettlement)
			r.Post("/{id}/pay", h.MarkSettlementPaid)
			r.Post("/{id}/void", h.VoidSettlement)
		})

		r.Route("/drivers", func(r chi.Router) {
			r.Get("/{id}/settlements", h.ListDriverSettlements)
			r.Get("/{id}/advances", h.ListDriverAdvances)
			r.Post("/{id}/advances", h.RequestAdvance)
		})

		r.Route("/advances", func(r chi.Router) {
			r.Post("/{id}/approve", h.ApproveAdvance)
			r.Post("/{id}/reject", h.RejectAdvance)
		})

		r.Post("/rules", h.CreateRule)
	})

	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger attaches the request id to the log context and writes one
// line per completed request.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Debug(ctx, "http request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}
