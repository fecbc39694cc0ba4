// Package api provides the HTTP surface of pgbridged: the landing page,
// the SSE subscribe endpoint and the health and metrics routes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pgbridge/pgbridge/internal/broadcast"
	"github.com/pgbridge/pgbridge/internal/listener"
)

// EventSubscriber registers SSE clients for a subscription id.
// Implemented by broadcast.Group.
type EventSubscriber interface {
	Subscribe(id, clientID, realIP, peerAddr string) (*broadcast.Client, error)
	ClientCount() int
}

// PoolStatus exposes the listener pool state to the health endpoint.
// Implemented by listener.Pool.
type PoolStatus interface {
	Snapshot() []listener.SessionInfo
}

// Server holds dependencies for all HTTP handlers.
type Server struct {
	Events      EventSubscriber
	Pool        PoolStatus   // Nil = health reports no sessions.
	Metrics     http.Handler // Prometheus handler. Nil disables /metrics.
	Title       string       // Sent as the Server response header.
	CORSOrigins []string     // Allowed CORS origins. Defaults to ["*"].
	SSELimiter  *SSELimiter  // Concurrent SSE connection limiter. Nil = default limits.
}

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation = "VALIDATION"
	ErrorTypeNotFound   = "NOT_FOUND"
	ErrorTypeRateLimit  = "RATE_LIMIT"
	ErrorTypeInternal   = "INTERNAL"
)

// APIError is the structured JSON error envelope returned by all API error
// responses.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use this
// format so clients only need to handle one shape.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// serverHeader stamps every response with the configured title.
func serverHeader(title string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", title)
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	// Ensure SSE limiter is always available.
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter(DefaultSSELimits())
	}

	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Cache-Control", "X-Identity", "X-Request-ID", "Last-Event-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	if srv.Title != "" {
		r.Use(serverHeader(srv.Title))
	}
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", srv.HandleLanding)
	r.Get("/events/subscribe/*", srv.HandleSubscribe)

	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	if srv.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.Metrics)
	}

	return r
}
