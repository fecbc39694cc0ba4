package listener

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pgbridge/pgbridge/internal/metrics"
	"github.com/pgbridge/pgbridge/internal/pgparams"
)

// TaggedNotification is a Notification stamped with the dispatch id of the
// session it arrived on.
type TaggedNotification struct {
	Notification
	DispatchID uint32
}

// Pool deduplicates listener sessions by connection identity (hosts,
// database, user) and merges their notifications onto one bounded outbound
// channel. One forwarder goroutine per session performs the tagging; a full
// outbound channel blocks the forwarders, propagating backpressure to the
// Postgres reads.
type Pool struct {
	out  chan TaggedNotification
	tls  *pgparams.TLSFiles
	mc   *metrics.Collector
	done chan struct{}

	mu       sync.Mutex
	sessions []*Session
}

// NewPool creates a pool whose outbound channel holds up to bufferSize
// tagged notifications.
func NewPool(bufferSize int, tls *pgparams.TLSFiles, mc *metrics.Collector) *Pool {
	return &Pool{
		out:  make(chan TaggedNotification, bufferSize),
		tls:  tls,
		mc:   mc,
		done: make(chan struct{}),
	}
}

// Notifications returns the shared outbound channel carrying tagged
// notifications from every session.
func (p *Pool) Notifications() <-chan TaggedNotification {
	return p.out
}

// AddConnection resolves connString and returns the dispatch id of a
// session listening on all the given events. An existing session with the
// same (hosts, database, user) identity is reused; otherwise a new session
// is created together with its forwarder goroutine.
func (p *Pool) AddConnection(ctx context.Context, connString string, events []string) (uint32, error) {
	desc, err := pgparams.Resolve(connString)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sessions {
		if s.Descriptor().Key() == desc.Key() {
			if err := s.BatchListen(ctx, events); err != nil {
				return 0, err
			}
			slog.Debug("pool: reusing session",
				"session", s.DispatchID(), "database", desc.Database)
			return s.DispatchID(), nil
		}
	}

	in := make(chan Notification, 1)
	s, err := Connect(ctx, desc, p.tls, in)
	if err != nil {
		return 0, err
	}
	if err := s.BatchListen(ctx, events); err != nil {
		s.Close(ctx)
		return 0, err
	}
	go p.forward(s.DispatchID(), in)

	p.sessions = append(p.sessions, s)
	slog.Info("pool: added listener session",
		"session", s.DispatchID(),
		"database", desc.Database,
		"hosts", strings.Join(desc.Hosts, ","))
	return s.DispatchID(), nil
}

// forward tags notifications from one session and pushes them onto the
// shared outbound channel. It exits when the pool shuts down.
func (p *Pool) forward(dispatchID uint32, in <-chan Notification) {
	for {
		select {
		case n := <-in:
			p.mc.NotificationReceived(dispatchID)
			select {
			case p.out <- TaggedNotification{Notification: n, DispatchID: dispatchID}:
			case <-p.done:
				return
			}
		case <-p.done:
			return
		}
	}
}

// Reconnect is the periodic sweep: it respawns every closed session in
// parallel, logging the outcome per session. Sessions that are open are
// left alone and the pool ordering never changes, so dispatch ids stay
// valid.
func (p *Pool) Reconnect(ctx context.Context) {
	p.mu.Lock()
	var closed []*Session
	for _, s := range p.sessions {
		if s.IsClosed() {
			closed = append(closed, s)
		}
	}
	open := len(p.sessions) - len(closed)
	p.mu.Unlock()

	p.mc.SetOpenSessions(open)
	if len(closed) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range closed {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			desc := s.Descriptor()
			if err := s.Respawn(ctx); err != nil {
				p.mc.RespawnAttempted(false)
				slog.Error("pool: failed to reconnect session",
					"database", desc.Database,
					"hosts", strings.Join(desc.Hosts, ","),
					"error", err)
				return
			}
			p.mc.RespawnAttempted(true)
			slog.Info("pool: reconnected session",
				"database", desc.Database,
				"hosts", strings.Join(desc.Hosts, ","),
				"session", s.PID())
		}(s)
	}
	wg.Wait()
}

// SessionInfo is a point-in-time view of one pooled session, used by the
// health endpoint.
type SessionInfo struct {
	DispatchID uint32   `json:"dispatch_id"`
	BackendPID uint32   `json:"backend_pid"`
	Database   string   `json:"database"`
	Hosts      []string `json:"hosts"`
	Events     []string `json:"events"`
	Closed     bool     `json:"closed"`
}

// Snapshot returns the state of every session in pool order.
func (p *Pool) Snapshot() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, SessionInfo{
			DispatchID: s.DispatchID(),
			BackendPID: s.PID(),
			Database:   s.Descriptor().Database,
			Hosts:      s.Descriptor().Hosts,
			Events:     s.Events(),
			Closed:     s.IsClosed(),
		})
	}
	return infos
}

// Size returns the number of sessions in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close shuts down every session and stops the forwarder goroutines.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	sessions := p.sessions
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
	close(p.done)
}
