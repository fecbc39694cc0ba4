// Package dispatch routes tagged Postgres notifications to logical
// subscription channels. The dispatcher owns the listener pool, binds every
// configured channel to a pooled session and publishes matching events to
// the fan-out bus consumed by the broadcaster shards.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgbridge/pgbridge/internal/listener"
	"github.com/pgbridge/pgbridge/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Event is one routed notification broadcast to every shard.
type Event struct {
	// ID is a UUIDv4 generated when the event is emitted.
	ID string
	// Name is the Postgres channel name of the originating NOTIFY.
	Name string
	// SessionPID is the backend pid of the backend that issued the NOTIFY.
	SessionPID uint32
	// Payload is the notification payload, verbatim.
	Payload string
	// Channels holds the ChanIDs of every interested logical channel.
	// Never empty for an emitted event.
	Channels Values
}

// Binding ties one configured logical channel to the listener session it
// was assigned to. Bindings are identified by their position in the
// dispatcher's array — that position is the ChanID.
type Binding struct {
	// ID is the subscription id exposed over HTTP.
	ID string
	// DispatchID is the stable id of the backing listener session.
	DispatchID uint32
	// AllowedEvents filters event names; empty means every event on the
	// session is accepted.
	AllowedEvents []string
}

// listensFor reports whether the binding is interested in an event arriving
// from the given session. Name comparison is byte-exact.
func (b *Binding) listensFor(dispatchID uint32, event string) bool {
	if b.DispatchID != dispatchID {
		return false
	}
	if len(b.AllowedEvents) == 0 {
		return true
	}
	for _, e := range b.AllowedEvents {
		if e == event {
			return true
		}
	}
	return false
}

// route computes the match set for a tagged notification over the binding
// array: every binding bound to the originating session whose event filter
// accepts the notification's channel name.
func route(bindings []Binding, tn listener.TaggedNotification) Values {
	var ids Values
	for i := range bindings {
		if bindings[i].listensFor(tn.DispatchID, tn.Channel) {
			ids.Append(ChanID(i))
		}
	}
	return ids
}

// ChannelSpec is the dispatcher's view of one configured logical channel.
type ChannelSpec struct {
	ID               string
	AllowedEvents    []string
	ConnectionString string
}

// Dispatcher consumes the pool's tagged notifications and publishes routed
// events to the topic.
type Dispatcher struct {
	pool           *listener.Pool
	bindings       []Binding
	topic          *Topic[Event]
	mc             *metrics.Collector
	reconnectDelay time.Duration
	cron           *cron.Cron
}

// Connect builds a dispatcher: it walks the channel specs in configuration
// order, opening (or reusing) one listener session per spec through the
// pool. The position of each spec in the slice becomes its ChanID.
func Connect(ctx context.Context, pool *listener.Pool, specs []ChannelSpec, topic *Topic[Event], reconnectDelay time.Duration, mc *metrics.Collector) (*Dispatcher, error) {
	d := &Dispatcher{
		pool:           pool,
		topic:          topic,
		mc:             mc,
		reconnectDelay: reconnectDelay,
	}

	for _, spec := range specs {
		dispatchID, err := pool.AddConnection(ctx, spec.ConnectionString, spec.AllowedEvents)
		if err != nil {
			return nil, fmt.Errorf("dispatch: channel %q: %w", spec.ID, err)
		}
		d.bindings = append(d.bindings, Binding{
			ID:            spec.ID,
			DispatchID:    dispatchID,
			AllowedEvents: spec.AllowedEvents,
		})
	}
	return d, nil
}

// SubscriptionIDs returns the channel ids in binding order; the index of an
// id is its ChanID.
func (d *Dispatcher) SubscriptionIDs() []string {
	ids := make([]string, len(d.bindings))
	for i, b := range d.bindings {
		ids[i] = b.ID
	}
	return ids
}

// Run starts the periodic reconnect sweep and then dispatches until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.startPoolHandler(ctx)

	for {
		select {
		case <-ctx.Done():
			d.stopPoolHandler()
			return
		case tn := <-d.pool.Notifications():
			d.dispatch(tn)
		}
	}
}

// dispatch routes one tagged notification and publishes the resulting
// event, if any binding matched.
func (d *Dispatcher) dispatch(tn listener.TaggedNotification) {
	ids := route(d.bindings, tn)
	if ids.IsEmpty() {
		d.mc.Unroutable()
		slog.Error("unprocessed event", "event", tn.Channel, "session", tn.DispatchID)
		return
	}

	ev := Event{
		ID:         uuid.New().String(),
		Name:       tn.Channel,
		SessionPID: tn.BackendPID,
		Payload:    tn.Payload,
		Channels:   ids,
	}
	slog.Info("event", "session", tn.BackendPID, "name", ev.Name, "id", ev.ID)

	d.mc.EventDispatched()
	if err := d.topic.Publish(ev); err != nil {
		slog.Error("dispatch: publish failed", "id", ev.ID, "error", err)
	}
}

// startPoolHandler schedules the reconnect sweep at the configured fixed
// delay. Only closed sessions are respawned; a permanently failing database
// costs one error log per sweep.
func (d *Dispatcher) startPoolHandler(ctx context.Context) {
	d.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", int(d.reconnectDelay/time.Second))
	if _, err := d.cron.AddFunc(spec, func() { d.pool.Reconnect(ctx) }); err != nil {
		slog.Error("dispatch: schedule reconnect sweep", "error", err)
		return
	}
	d.cron.Start()
	slog.Debug("dispatch: reconnect sweep scheduled", "every", d.reconnectDelay)
}

func (d *Dispatcher) stopPoolHandler() {
	if d.cron != nil {
		d.cron.Stop()
	}
}
