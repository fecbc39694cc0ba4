package api

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pgbridge/pgbridge/internal/broadcast"
)

// identityHeader carries an optional client-chosen identity, recorded for
// logging only.
const identityHeader = "X-Identity"

// emptyError writes an error status with a JSON content type and an empty
// body. Subscription errors expose no details on the wire.
func emptyError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
}

// HandleLanding serves a minimal landing page pointing at the subscribe
// endpoint.
func (s *Server) HandleLanding(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>Subscribe to a channel at <code>/events/subscribe/{id}</code>.</p>
</body>
</html>
`, html.EscapeString(s.Title), html.EscapeString(s.Title))
}

// HandleSubscribe registers the caller as an SSE client on the requested
// subscription id and streams frames until the client disconnects or the
// stream is closed server-side.
func (s *Server) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")

	// Enforce SSE connection limits before touching the broadcaster.
	ip := clientIP(r)
	if !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many SSE connections", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
		return
	}
	defer s.SSELimiter.Release(ip)

	client, err := s.Events.Subscribe(id, r.Header.Get(identityHeader), ip, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, broadcast.ErrSubscriptionNotFound) {
			emptyError(w, http.StatusNotFound)
			return
		}
		slog.Error("subscribe failed", "subscription", id, "error", err)
		emptyError(w, http.StatusInternalServerError)
		return
	}
	defer client.Disconnect()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The middleware chain wraps the ResponseWriter, so a plain http.Flusher
	// assertion would miss the real writer; the controller follows Unwrap.
	// The headers must go out immediately or EventSource clients hang.
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return
	}

	ctx := r.Context()
	if s.SSELimiter.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SSELimiter.MaxDuration)
		defer cancel()
	}

	for {
		select {
		case <-ctx.Done():
			// Client gone or max stream duration reached; the broadcaster
			// reaps the client on its next cycle.
			return
		case frame, ok := <-client.Frames():
			if !ok {
				// Reaped or shutting down.
				return
			}
			if _, err := w.Write(frame.Encode()); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
