package registry

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// DefaultShards is the subscription shard count used when none is given.
const DefaultShards = 32

var (
	// ErrUnknownConnection is returned for ids that are not registered.
	ErrUnknownConnection = errors.New("registry: unknown connection")

	// ErrDuplicateConnection is returned by Add for an id already registered.
	ErrDuplicateConnection = errors.New("registry: duplicate connection")

	// ErrConnectionClosed is returned by Subscribe after the connection was removed.
	ErrConnectionClosed = errors.New("registry: connection closed")
)

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Connection
}

// Registry holds the connections owned by this process. Subscriptions are
// partitioned by conversation id so that fan-out on one conversation does not
// contend with joins on another.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	users map[string]map[string]struct{}

	shards []*shard
}

// New creates a registry with the given number of subscription shards.
func New(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		conns:  make(map[string]*Connection),
		users:  make(map[string]map[string]struct{}),
		shards: make([]*shard, shards),
	}
	for i := range r.shards {
		r.shards[i] = &shard{subs: make(map[string]map[string]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(conv string) *shard {
	return r.shards[xxhash.Sum64String(conv)%uint64(len(r.shards))]
}

// Add registers conn.
func (r *Registry) Add(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[conn.id] = conn
	ids, ok := r.users[conn.userID]
	if !ok {
		ids = make(map[string]struct{})
		r.users[conn.userID] = ids
	}
	ids[conn.id] = struct{}{}
	return nil
}

// Remove unregisters the connection, drops all of its subscriptions and closes
// its outbound queue. It returns the conversations the connection was
// subscribed to. Removing an unknown id returns nil.
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if ids := r.users[conn.userID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.users, conn.userID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return nil
	}
	conn.closed = true
	convs := sortedKeys(conn.conversations)
	for _, conv := range convs {
		r.unsubscribeLocked(conn, conv)
	}
	conn.conversations = make(map[string]struct{})
	close(conn.send)
	return convs
}

// Get returns the registered connection with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserConnections returns how many registered connections belong to userID.
func (r *Registry) UserConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Subscribe adds conv to the connection's subscriptions. added is false when
// the subscription already existed.
func (r *Registry) Subscribe(id, conv string) (added bool, err error) {
	conn, ok := r.Get(id)
	if !ok {
		return false, ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return false, ErrConnectionClosed
	}
	if _, exists := conn.conversations[conv]; exists {
		return false, nil
	}
	conn.conversations[conv] = struct{}{}

	s := r.shardFor(conv)
	s.mu.Lock()
	members, ok := s.subs[conv]
	if !ok {
		members = make(map[string]*Connection)
		s.subs[conv] = members
	}
	members[id] = conn
	s.mu.Unlock()
	return true, nil
}

// Unsubscribe removes conv from the connection's subscriptions. removed is
// false when no such subscription existed.
func (r *Registry) Unsubscribe(id, conv string) (removed bool, err error) {
	conn, ok := r.Get(id)
	if !ok {
		return false, ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, exists := conn.conversations[conv]; !exists {
		return false, nil
	}
	delete(conn.conversations, conv)
	r.unsubscribeLocked(conn, conv)
	return true, nil
}

// unsubscribeLocked drops conn from the conv shard. conn.mu must be held.
func (r *Registry) unsubscribeLocked(conn *Connection, conv string) {
	s := r.shardFor(conv)
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.subs[conv]
	delete(members, conn.id)
	if len(members) == 0 {
		delete(s.subs, conv)
	}
}

// LocalSubscribers returns the ids of local connections subscribed to conv.
func (r *Registry) LocalSubscribers(conv string) []string {
	s := r.shardFor(conv)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.subs[conv]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Deliver enqueues env on the connection's outbound queue. It never blocks: a
// full queue drops the frame with ReasonSlowConsumer.
func (r *Registry) Deliver(id string, env envelope.Envelope) Result {
	conn, ok := r.Get(id)
	if !ok {
		return dropped(ReasonUnknownConnection)
	}
	return conn.Enqueue(envelope.DeliveryFrame(env))
}
