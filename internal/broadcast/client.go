// Package broadcast fans routed events out to SSE clients. Clients are
// partitioned across a fixed set of shards; each shard is a single goroutine
// that owns its slice of the subscription table, so no locks guard the hot
// path.
package broadcast

import (
	"bytes"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pgbridge/pgbridge/internal/dispatch"
)

// Frame is one server-sent event as delivered to a client.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// Encode renders the frame in SSE wire format. Multi-line payloads become
// one data: line per payload line, as the protocol requires.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(f.ID)
	buf.WriteString("\nevent: ")
	buf.WriteString(f.Event)
	buf.WriteByte('\n')
	for _, line := range strings.Split(f.Data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Client is one SSE subscriber attached to a single logical channel.
type Client struct {
	// ChanID is the logical channel the client subscribed to.
	ChanID dispatch.ChanID
	// Path is the subscription id as it appeared in the request URL.
	Path string
	// Ident uniquely identifies the client within the shard.
	Ident uuid.UUID
	// ClientID is the optional X-Identity request header, recorded for logs.
	ClientID string
	// RealIP and PeerAddr are recorded at subscribe time for logging.
	RealIP   string
	PeerAddr string

	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func newClient(chanID dispatch.ChanID, path string, bufferSize int) *Client {
	return &Client{
		ChanID: chanID,
		Path:   path,
		Ident:  uuid.New(),
		frames: make(chan Frame, bufferSize),
		done:   make(chan struct{}),
	}
}

// Frames is the client's receive side. The owning shard closes it when the
// client is reaped; consumers must treat channel close as end-of-stream.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Disconnect marks the client gone. The next send attempt fails and the
// shard reaps the client on its next broadcast cycle.
func (c *Client) Disconnect() {
	c.once.Do(func() { close(c.done) })
}

// trySend delivers a frame without blocking. A disconnected client or a
// full buffer fails the send, which the caller treats as a dead client.
func (c *Client) trySend(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.frames <- f:
		return true
	default:
		return false
	}
}
