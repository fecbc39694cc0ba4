// Package listener maintains long-lived Postgres LISTEN sessions and the
// pool that owns them. Each session holds one dedicated connection, polls
// its asynchronous messages in a background goroutine and forwards every
// NOTIFY to an outbound channel. Sessions that lose their connection are
// marked closed and respawned by the pool's reconnect sweep.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgbridge/pgbridge/internal/pgparams"
)

// Notification is one Postgres NOTIFY received on a session.
type Notification struct {
	// Channel is the Postgres channel name given to NOTIFY.
	Channel string
	// Payload is the notification payload, possibly empty.
	Payload string
	// BackendPID is the pid of the backend that issued the NOTIFY.
	BackendPID uint32
}

// eventNameRe constrains names interpolated into LISTEN/UNLISTEN statements
// to plain SQL identifiers. Configuration is trusted, but a typo must not
// become an injection vector.
var eventNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEventName reports whether s is acceptable as a LISTEN channel name.
func ValidEventName(s string) bool {
	return eventNameRe.MatchString(s)
}

// Session is one Postgres connection kept in LISTEN mode.
//
// The dispatch id is the backend pid observed when the session was first
// established and never changes, even across respawns; it is the routing
// key that ties notifications back to the channels bound to this session.
// The current backend pid is refreshed on every respawn.
type Session struct {
	desc *pgparams.Descriptor
	tls  *pgparams.TLSFiles
	out  chan<- Notification

	dispatchID uint32

	mu     sync.Mutex
	conn   *pgx.Conn
	pid    uint32
	events map[string]struct{}
	cancel context.CancelFunc

	closed atomic.Bool
}

// Connect establishes a session for the given descriptor and starts its
// polling goroutine. Received notifications are forwarded on out until the
// connection fails or the session is closed.
func Connect(ctx context.Context, desc *pgparams.Descriptor, tls *pgparams.TLSFiles, out chan<- Notification) (*Session, error) {
	s := &Session{
		desc:   desc,
		tls:    tls,
		out:    out,
		events: make(map[string]struct{}),
	}
	conn, pid, err := dial(ctx, desc, tls)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.pid = pid
	s.dispatchID = pid
	s.startPolling(conn)

	slog.Debug("listener session established",
		"session", pid, "database", desc.Database, "hosts", strings.Join(desc.Hosts, ","))
	return s, nil
}

// dial opens the connection and returns it with its backend pid.
func dial(ctx context.Context, desc *pgparams.Descriptor, tls *pgparams.TLSFiles) (*pgx.Conn, uint32, error) {
	cfg, err := pgx.ParseConfig(desc.DSN(tls))
	if err != nil {
		return nil, 0, fmt.Errorf("listener: parse connection config: %w", err)
	}

	// Server notices are logged, never forwarded downstream.
	cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		slog.Debug("postgres notice", "severity", n.Severity, "message", n.Message)
	}

	// Keepalive preferences from the descriptor apply to the dialer, not
	// the wire protocol.
	dialer := &net.Dialer{KeepAlive: 5 * time.Minute}
	if desc.Keepalives != nil && !*desc.Keepalives {
		dialer.KeepAlive = -1
	} else if desc.KeepalivesIdle > 0 {
		dialer.KeepAlive = desc.KeepalivesIdle
	}
	cfg.DialFunc = dialer.DialContext

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("listener: connect: %w", err)
	}
	return conn, conn.PgConn().PID(), nil
}

// startPolling launches the background goroutine that waits for
// notifications on conn. The goroutine exits — and marks the session
// closed — on any connection error or when the session is closed.
func (s *Session) startPolling(conn *pgx.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.closed.Store(false)

	go func() {
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("listener session lost", "session", s.dispatchID, "error", err)
				}
				s.closed.Store(true)
				return
			}
			select {
			case s.out <- Notification{Channel: n.Channel, Payload: n.Payload, BackendPID: n.PID}:
			case <-ctx.Done():
				s.closed.Store(true)
				return
			}
		}
	}()
}

// DispatchID returns the stable routing id of this session (the backend pid
// at first connect).
func (s *Session) DispatchID() uint32 {
	return s.dispatchID
}

// PID returns the backend pid of the current connection.
func (s *Session) PID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Descriptor returns the resolved connection parameters of this session.
func (s *Session) Descriptor() *pgparams.Descriptor {
	return s.desc
}

// IsClosed reports whether the polling goroutine has exited or the
// underlying connection is gone.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Listen issues LISTEN for the given event name and records it in the
// session's listened set. It returns true iff the set changed.
func (s *Session) Listen(ctx context.Context, event string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidEventName(event) {
		return false, fmt.Errorf("listener: invalid event name %q", event)
	}
	if _, ok := s.events[event]; ok {
		return false, nil
	}
	if err := s.exec(ctx, listenSQL("LISTEN", event)); err != nil {
		return false, err
	}
	s.events[event] = struct{}{}
	return true, nil
}

// Unlisten issues UNLISTEN for the given event name. It returns true iff
// the listened set changed.
func (s *Session) Unlisten(ctx context.Context, event string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event]; !ok {
		return false, nil
	}
	if err := s.exec(ctx, listenSQL("UNLISTEN", event)); err != nil {
		return false, err
	}
	delete(s.events, event)
	return true, nil
}

// BatchListen issues a single concatenated LISTEN batch for all given
// events and adds them to the listened set.
func (s *Session) BatchListen(ctx context.Context, events []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchListenLocked(ctx, events)
}

func (s *Session) batchListenLocked(ctx context.Context, events []string) error {
	var b strings.Builder
	for _, ev := range events {
		if !ValidEventName(ev) {
			return fmt.Errorf("listener: invalid event name %q", ev)
		}
		b.WriteString(listenSQL("LISTEN", ev))
	}
	if b.Len() == 0 {
		return nil
	}
	if err := s.exec(ctx, b.String()); err != nil {
		return err
	}
	for _, ev := range events {
		s.events[ev] = struct{}{}
	}
	return nil
}

// Events returns a copy of the currently listened event names.
func (s *Session) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]string, 0, len(s.events))
	for ev := range s.events {
		events = append(events, ev)
	}
	return events
}

// Respawn drops the current connection and re-establishes the session with
// the same descriptor, re-issuing LISTEN for every previously listened
// event. The dispatch id is preserved; the backend pid is refreshed.
//
// On any failure the session stays closed with its event set intact, so the
// next reconnect sweep picks it up again. Polling starts only after the full
// LISTEN set is back in place.
func (s *Session) Respawn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close(ctx)
	}
	s.closed.Store(true)

	conn, pid, err := dial(ctx, s.desc, s.tls)
	if err != nil {
		return err
	}

	events := make([]string, 0, len(s.events))
	for ev := range s.events {
		events = append(events, ev)
	}
	s.conn = conn
	s.pid = pid
	if err := s.batchListenLocked(ctx, events); err != nil {
		_ = conn.Close(ctx)
		return err
	}
	s.startPolling(conn)
	return nil
}

// Close terminates the polling goroutine and the connection.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close(ctx)
	}
	s.closed.Store(true)
}

// exec runs sql over the simple query protocol, which permits the
// multi-statement batches LISTEN batching relies on. Callers hold s.mu.
func (s *Session) exec(ctx context.Context, sql string) error {
	if _, err := s.conn.PgConn().Exec(ctx, sql).ReadAll(); err != nil {
		return fmt.Errorf("listener: exec %q: %w", sql, err)
	}
	return nil
}

// listenSQL builds a LISTEN/UNLISTEN statement for a pre-validated name.
func listenSQL(verb, event string) string {
	return verb + " " + event + ";"
}
