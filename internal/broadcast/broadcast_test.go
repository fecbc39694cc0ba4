package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/pgbridge/pgbridge/internal/broadcast"
	"github.com/pgbridge/pgbridge/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func channels(ids ...dispatch.ChanID) dispatch.Values {
	var v dispatch.Values
	for _, id := range ids {
		v.Append(id)
	}
	return v
}

func startGroup(t *testing.T, topic *dispatch.Topic[dispatch.Event], subscriptionIDs []string, shards, bufferSize int) *broadcast.Group {
	t.Helper()

	group := broadcast.NewGroup(topic, subscriptionIDs, shards, bufferSize, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		group.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return group
}

func recvFrame(t *testing.T, c *broadcast.Client) broadcast.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return broadcast.Frame{}
	}
}

func TestFrame_Encode(t *testing.T) {
	f := broadcast.Frame{ID: "abc", Event: "order_created", Data: `{"id":1}`}

	assert.Equal(t,
		"id: abc\nevent: order_created\ndata: {\"id\":1}\n\n",
		string(f.Encode()))
}

func TestFrame_EncodeMultiLine(t *testing.T) {
	f := broadcast.Frame{ID: "abc", Event: "report", Data: "line1\nline2"}

	assert.Equal(t,
		"id: abc\nevent: report\ndata: line1\ndata: line2\n\n",
		string(f.Encode()))
}

func TestGroup_SubscribeUnknownID(t *testing.T) {
	topic := dispatch.NewTopic[dispatch.Event]()
	group := startGroup(t, topic, []string{"orders"}, 1, 8)

	_, err := group.Subscribe("nope", "", "", "")
	assert.ErrorIs(t, err, broadcast.ErrSubscriptionNotFound)
}

func TestGroup_DeliversEventToSubscriber(t *testing.T) {
	topic := dispatch.NewTopic[dispatch.Event]()
	group := startGroup(t, topic, []string{"orders", "audit"}, 2, 8)

	c, err := group.Subscribe("orders", "client-1", "203.0.113.7", "203.0.113.7:4001")
	require.NoError(t, err)

	// Wait for the shard to fold the client in before publishing.
	require.Eventually(t, func() bool { return group.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, topic.Publish(dispatch.Event{
		ID:       "ev-1",
		Name:     "order_created",
		Payload:  `{"id":1}`,
		Channels: channels(0),
	}))

	f := recvFrame(t, c)
	assert.Equal(t, "ev-1", f.ID)
	assert.Equal(t, "order_created", f.Event)
	assert.Equal(t, `{"id":1}`, f.Data)
}

func TestGroup_EventSkipsUnlistedChannel(t *testing.T) {
	topic := dispatch.NewTopic[dispatch.Event]()
	group := startGroup(t, topic, []string{"orders", "audit"}, 1, 8)

	orders, err := group.Subscribe("orders", "", "", "")
	require.NoError(t, err)
	audit, err := group.Subscribe("audit", "", "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return group.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, topic.Publish(dispatch.Event{
		ID: "ev-1", Name: "audit_entry", Payload: "x", Channels: channels(1),
	}))

	f := recvFrame(t, audit)
	assert.Equal(t, "ev-1", f.ID)

	select {
	case f := <-orders.Frames():
		t.Fatalf("unexpected frame on orders: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGroup_ReapsClientWithFullBuffer(t *testing.T) {
	topic := dispatch.NewTopic[dispatch.Event]()
	group := startGroup(t, topic, []string{"orders"}, 1, 1)

	c, err := group.Subscribe("orders", "", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return group.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// First event fills the one-slot buffer. Wait for it to land before
	// publishing again: on the latest-value bus a second publish could
	// otherwise replace it before the shard ever sends it.
	require.NoError(t, topic.Publish(dispatch.Event{
		ID: "ev-1", Name: "e", Payload: "1", Channels: channels(0),
	}))
	require.Eventually(t, func() bool { return len(c.Frames()) == 1 },
		2*time.Second, 10*time.Millisecond)

	// The client never reads, so the next delivery cannot be buffered and
	// the client is reaped.
	require.Eventually(t, func() bool {
		err := topic.Publish(dispatch.Event{
			ID: "ev-2", Name: "e", Payload: "2", Channels: channels(0),
		})
		return err == nil && group.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// The buffered frame is still readable, then the stream ends.
	f := recvFrame(t, c)
	assert.Equal(t, "ev-1", f.ID)
	for {
		if _, ok := <-c.Frames(); !ok {
			break
		}
	}
}

func TestGroup_ReapsDisconnectedClient(t *testing.T) {
	topic := dispatch.NewTopic[dispatch.Event]()
	group := startGroup(t, topic, []string{"orders"}, 1, 8)

	c, err := group.Subscribe("orders", "", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return group.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	c.Disconnect()

	require.Eventually(t, func() bool {
		err := topic.Publish(dispatch.Event{
			ID: "ev", Name: "e", Payload: "x", Channels: channels(0),
		})
		return err == nil && group.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGroup_SubscribeDuringBroadcastCycleIsAdmitted(t *testing.T) {
	topic := dispatch.NewTopic[dispatch.Event]()
	group := startGroup(t, topic, []string{"orders"}, 1, 8)

	// Subscribers enqueued while events are flowing must still be admitted
	// and receive subsequent events.
	first, err := group.Subscribe("orders", "", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return group.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, topic.Publish(dispatch.Event{
		ID: "ev-1", Name: "e", Payload: "1", Channels: channels(0),
	}))
	recvFrame(t, first)

	second, err := group.Subscribe("orders", "", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return group.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, topic.Publish(dispatch.Event{
		ID: "ev-2", Name: "e", Payload: "2", Channels: channels(0),
	}))
	assert.Equal(t, "ev-2", recvFrame(t, second).ID)
	assert.Equal(t, "ev-2", recvFrame(t, first).ID)
}
