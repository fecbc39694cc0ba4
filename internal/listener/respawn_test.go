package listener

import (
	"context"
	"testing"
	"time"

	"github.com/pgbridge/pgbridge/internal/pgparams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A failed respawn must leave the session closed with its event set intact,
// otherwise the reconnect sweep would skip it forever and notifications for
// its channels would be dropped silently.
func TestRespawn_FailureKeepsSessionClosedWithEvents(t *testing.T) {
	// Port 1 refuses the connection immediately, so the dial fails without
	// a server.
	s := &Session{
		desc: &pgparams.Descriptor{
			Hosts:          []string{"127.0.0.1"},
			Ports:          []uint16{1},
			Database:       "shop",
			User:           "app",
			SSLMode:        pgparams.SSLDisable,
			ConnectTimeout: 2 * time.Second,
		},
		events: map[string]struct{}{"order_created": {}, "order_paid": {}},
	}
	s.closed.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Respawn(ctx)
	require.Error(t, err)

	assert.True(t, s.IsClosed(), "failed respawn must keep the session closed")
	assert.ElementsMatch(t, []string{"order_created", "order_paid"}, s.Events(),
		"failed respawn must keep the event set for the next attempt")
}
