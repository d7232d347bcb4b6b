package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"drtdispatch/internal/auth"
	"drtdispatch/internal/dispatch"
	"drtdispatch/internal/metrics"
	"drtdispatch/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Server struct {
	Store    store.Store
	Dispatch *dispatch.Service
	Broker   EventBroker
	Log      *zap.Logger
	// Auth verifies bearer tokens; nil behaves like dev mode.
	Auth *auth.Verifier
	// Limiter throttles /v1 traffic; nil disables throttling.
	Limiter       *rate.Limiter
	DefaultTenant string
	// Settings is echoed by /debug/build with secrets already removed.
	Settings map[string]any
}

// Handler wires every route behind the logging, metrics, rate-limit and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Fleet snapshots
	mux.HandleFunc("POST /v1/vehicles", dispatcherOnly(s.PutVehiclesHandler))
	mux.HandleFunc("GET /v1/vehicles", s.ListVehiclesHandler)
	mux.HandleFunc("GET /v1/vehicles/{id}", s.GetVehicleHandler)
	mux.HandleFunc("DELETE /v1/vehicles/{id}", dispatcherOnly(s.DeleteVehicleHandler))
	mux.HandleFunc("GET /v1/vehicles/{id}/slack", s.SlackHandler)

	// Insertion evaluation and dispatch
	mux.HandleFunc("POST /v1/insertions/evaluate", s.EvaluateHandler)
	mux.HandleFunc("POST /v1/dispatch", dispatcherOnly(s.DispatchHandler))

	// Decisions
	mux.HandleFunc("GET /v1/decisions", s.ListDecisionsHandler)
	mux.HandleFunc("GET /v1/decisions/{id}", s.GetDecisionHandler)
	mux.HandleFunc("GET /v1/decisions/stream", s.DecisionStreamHandler)
	mux.HandleFunc("GET /v1/decisions/ws", s.DecisionWSHandler)

	// Orchestrator notifications
	mux.HandleFunc("GET /v1/notifications", adminOnly(s.NotificationsHandler))
	mux.HandleFunc("POST /v1/notifications/{id}/retry", adminOnly(s.NotificationRetryHandler))

	// Ops
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/build", s.DebugJSON)
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)

	return s.logMiddleware(s.metricsMiddleware(s.rateLimit(s.authenticate(mux))))
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// withTenant returns the tenant of the authenticated caller.
func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	if p, ok := auth.FromContext(r.Context()); ok {
		return r.Context(), p.Tenant
	}
	return r.Context(), s.defaultTenant()
}

func (s *Server) defaultTenant() string {
	if s.DefaultTenant != "" {
		return s.DefaultTenant
	}
	return "t_demo"
}

// statusRecorder keeps the response code for logging and metrics. It passes Flush and
// Hijack through so SSE and websocket handlers keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(rec, r)
		// r.Pattern keeps label cardinality bounded by the route table
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter != nil && strings.HasPrefix(r.URL.Path, "/v1/") && !s.Limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
