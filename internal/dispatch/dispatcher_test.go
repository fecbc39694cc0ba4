package dispatch

import (
	"testing"

	"github.com/pgbridge/pgbridge/internal/listener"
	"github.com/stretchr/testify/assert"
)

func tagged(dispatchID uint32, channel string) listener.TaggedNotification {
	return listener.TaggedNotification{
		Notification: listener.Notification{
			Channel:    channel,
			Payload:    "{}",
			BackendPID: dispatchID,
		},
		DispatchID: dispatchID,
	}
}

func TestRoute_FilterByEventName(t *testing.T) {
	bindings := []Binding{
		{ID: "orders", DispatchID: 10, AllowedEvents: []string{"order_created"}},
		{ID: "audit", DispatchID: 10, AllowedEvents: []string{"order_created", "order_deleted"}},
		{ID: "billing", DispatchID: 10, AllowedEvents: []string{"invoice_paid"}},
	}

	ids := route(bindings, tagged(10, "order_created"))
	assert.Equal(t, []ChanID{0, 1}, ids.Slice())

	ids = route(bindings, tagged(10, "invoice_paid"))
	assert.Equal(t, []ChanID{2}, ids.Slice())
}

func TestRoute_EmptyAllowedEventsAcceptsEverything(t *testing.T) {
	bindings := []Binding{
		{ID: "firehose", DispatchID: 10},
		{ID: "orders", DispatchID: 10, AllowedEvents: []string{"order_created"}},
	}

	ids := route(bindings, tagged(10, "anything_at_all"))
	assert.Equal(t, []ChanID{0}, ids.Slice())

	ids = route(bindings, tagged(10, "order_created"))
	assert.Equal(t, []ChanID{0, 1}, ids.Slice())
}

func TestRoute_SessionIsolation(t *testing.T) {
	// Same event name on two sessions only matches bindings bound to the
	// originating session.
	bindings := []Binding{
		{ID: "a", DispatchID: 10, AllowedEvents: []string{"tick"}},
		{ID: "b", DispatchID: 20, AllowedEvents: []string{"tick"}},
	}

	ids := route(bindings, tagged(20, "tick"))
	assert.Equal(t, []ChanID{1}, ids.Slice())
}

func TestRoute_NoMatchIsEmpty(t *testing.T) {
	bindings := []Binding{
		{ID: "orders", DispatchID: 10, AllowedEvents: []string{"order_created"}},
	}

	ids := route(bindings, tagged(10, "unrelated"))
	assert.True(t, ids.IsEmpty())

	ids = route(bindings, tagged(99, "order_created"))
	assert.True(t, ids.IsEmpty())
}

func TestBinding_ListensFor(t *testing.T) {
	b := Binding{ID: "orders", DispatchID: 10, AllowedEvents: []string{"x", "y"}}

	assert.True(t, b.listensFor(10, "x"))
	assert.True(t, b.listensFor(10, "y"))
	assert.False(t, b.listensFor(10, "z"))
	assert.False(t, b.listensFor(11, "x"))
}
