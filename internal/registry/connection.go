// Package registry tracks the WebSocket connections owned by this process and
// the conversations each of them is subscribed to.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// DefaultQueueSize is the outbound queue depth used when none is given.
const DefaultQueueSize = 256

// Reason explains why a delivery was dropped.
type Reason string

const (
	ReasonSlowConsumer      Reason = "slow_consumer"
	ReasonConnectionClosed  Reason = "connection_closed"
	ReasonUnknownConnection Reason = "unknown_connection"
)

// Result is the outcome of a delivery attempt. Reason is empty when Delivered.
type Result struct {
	Delivered bool
	Reason    Reason
}

func delivered() Result { return Result{Delivered: true} }
func dropped(r Reason) Result { return Result{Reason: r} }

// Connection is one accepted socket as seen by the registry. The socket itself
// belongs to the delivery layer; the registry only owns the outbound queue.
type Connection struct {
	id     string
	userID string
	send   chan envelope.ServerFrame

	lastActivity atomic.Int64

	// mu guards closed and conversations. It is always taken before any
	// shard lock.
	mu            sync.Mutex
	closed        bool
	conversations map[string]struct{}
}

// NewConnection creates a connection with a bounded outbound queue.
func NewConnection(id, userID string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	c := &Connection{
		id:            id,
		userID:        userID,
		send:          make(chan envelope.ServerFrame, queueSize),
		conversations: make(map[string]struct{}),
	}
	c.Touch(time.Now())
	return c
}

// ID returns the process-unique connection id.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user bound to the connection.
func (c *Connection) UserID() string { return c.userID }

// Queue returns the outbound queue. It is closed once the connection is
// removed from the registry.
func (c *Connection) Queue() <-chan envelope.ServerFrame { return c.send }

// QueueDepth returns the number of frames waiting to be written.
func (c *Connection) QueueDepth() int { return len(c.send) }

// Touch records inbound activity at t.
func (c *Connection) Touch(t time.Time) { c.lastActivity.Store(t.UnixNano()) }

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Closed reports whether the connection has been removed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conversations returns the subscribed conversation ids in sorted order.
func (c *Connection) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.conversations)
}

// Subscribed reports whether the connection is subscribed to conv.
func (c *Connection) Subscribed(conv string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conversations[conv]
	return ok
}

// Enqueue places frame on the outbound queue without blocking.
func (c *Connection) Enqueue(frame envelope.ServerFrame) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return dropped(ReasonConnectionClosed)
	}
	select {
	case c.send <- frame:
		return delivered()
	default:
		return dropped(ReasonSlowConsumer)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
