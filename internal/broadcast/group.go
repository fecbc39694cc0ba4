package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pgbridge/pgbridge/internal/dispatch"
	"github.com/pgbridge/pgbridge/internal/metrics"
)

// ErrSubscriptionNotFound is returned when a subscribe request names an id
// that no configured channel carries.
var ErrSubscriptionNotFound = errors.New("broadcast: subscription not found")

// Group owns the broadcaster shards and assigns new subscribers to them
// round-robin. The allowed-subscription map is fixed at construction.
type Group struct {
	shards     []*Broadcaster
	allowed    map[string]dispatch.ChanID
	bufferSize int
	next       atomic.Uint64
	clients    atomic.Int64
}

// NewGroup builds numShards shards, each with its own receiver on the
// topic. subscriptionIDs is the channel-id list in ChanID order.
func NewGroup(topic *dispatch.Topic[dispatch.Event], subscriptionIDs []string, numShards, bufferSize, pendingSize int, mc *metrics.Collector) *Group {
	g := &Group{
		allowed:    make(map[string]dispatch.ChanID, len(subscriptionIDs)),
		bufferSize: bufferSize,
	}
	for i, id := range subscriptionIDs {
		g.allowed[id] = dispatch.ChanID(i)
	}
	for i := 0; i < numShards; i++ {
		g.shards = append(g.shards, newBroadcaster(topic.Subscribe(), pendingSize, &g.clients, mc))
	}
	return g
}

// Run starts every shard and blocks until all of them have stopped.
func (g *Group) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, shard := range g.shards {
		wg.Add(1)
		go func(b *Broadcaster) {
			defer wg.Done()
			b.Run(ctx)
		}(shard)
	}
	wg.Wait()
}

// Subscribe registers a new SSE client for the named subscription id and
// hands it to the next shard in rotation. The returned client's Frames
// channel carries the stream; the shard closes it when the client is
// reaped.
func (g *Group) Subscribe(id, clientID, realIP, peerAddr string) (*Client, error) {
	chanID, ok := g.allowed[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	c := newClient(chanID, id, g.bufferSize)
	c.ClientID = clientID
	c.RealIP = realIP
	c.PeerAddr = peerAddr

	shard := g.shards[g.next.Add(1)%uint64(len(g.shards))]
	shard.subscribe <- c
	return c, nil
}

// ClientCount reports the number of currently registered clients across all
// shards.
func (g *Group) ClientCount() int {
	return int(g.clients.Load())
}
