package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pgbridge/pgbridge/internal/dispatch"
	"github.com/pgbridge/pgbridge/internal/metrics"
)

// Broadcaster is one shard of the fan-out layer. It owns its subscription
// table exclusively from inside Run, so the table needs no locking; new
// clients arrive over the subscribe channel and are folded in between
// broadcast cycles.
type Broadcaster struct {
	subs      map[dispatch.ChanID][]*Client
	subscribe chan *Client
	rx        *dispatch.Receiver[dispatch.Event]
	mc        *metrics.Collector
	clients   *atomic.Int64
}

func newBroadcaster(rx *dispatch.Receiver[dispatch.Event], pendingSize int, clients *atomic.Int64, mc *metrics.Collector) *Broadcaster {
	return &Broadcaster{
		subs:      make(map[dispatch.ChanID][]*Client),
		subscribe: make(chan *Client, pendingSize),
		rx:        rx,
		mc:        mc,
		clients:   clients,
	}
}

// Run is the shard's actor loop. It alternates between accepting pending
// subscribers and broadcasting the latest event from the bus, until ctx is
// cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	defer b.rx.Close()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case c := <-b.subscribe:
			b.admit(c)
		case <-b.rx.Wait():
			b.broadcast(b.rx.Latest())
			b.drainPending()
		}
	}
}

func (b *Broadcaster) admit(c *Client) {
	b.subs[c.ChanID] = append(b.subs[c.ChanID], c)
	b.clients.Add(1)
	b.mc.ClientAdded()
	slog.Info("client subscribed",
		"channel", c.Path,
		"client", c.ClientID,
		"realip", c.RealIP,
		"peer", c.PeerAddr,
	)
}

// drainPending folds in every subscriber that arrived while a broadcast
// cycle was in flight.
func (b *Broadcaster) drainPending() {
	for {
		select {
		case c := <-b.subscribe:
			b.admit(c)
		default:
			return
		}
	}
}

// broadcast delivers one event to every client in each listed channel
// bucket, then reaps the clients whose send failed. Mutation happens only
// after the full send pass, never during it.
func (b *Broadcaster) broadcast(ev dispatch.Event) {
	frame := Frame{ID: ev.ID, Event: ev.Name, Data: ev.Payload}

	var failed map[uuid.UUID]struct{}
	for _, id := range ev.Channels.Slice() {
		for _, c := range b.subs[id] {
			if c.trySend(frame) {
				continue
			}
			if failed == nil {
				failed = make(map[uuid.UUID]struct{})
			}
			failed[c.Ident] = struct{}{}
		}
	}
	if failed == nil {
		return
	}

	for _, id := range ev.Channels.Slice() {
		bucket := b.subs[id]
		kept := bucket[:0]
		for _, c := range bucket {
			if _, gone := failed[c.Ident]; gone {
				b.reap(c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(b.subs, id)
		} else {
			b.subs[id] = kept
		}
	}
}

func (b *Broadcaster) reap(c *Client) {
	close(c.frames)
	b.clients.Add(-1)
	b.mc.ClientRemoved()
	b.mc.SendFailed()
	slog.Info("client disconnected",
		"channel", c.Path,
		"client", c.ClientID,
		"realip", c.RealIP,
	)
}

// closeAll ends every stream on shutdown.
func (b *Broadcaster) closeAll() {
	for id, bucket := range b.subs {
		for _, c := range bucket {
			close(c.frames)
			b.clients.Add(-1)
			b.mc.ClientRemoved()
		}
		delete(b.subs, id)
	}
}
