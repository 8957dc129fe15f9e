// Package presence announces users going online and offline in the
// conversations they join, and folds the announcements it observes into a
// lookup view.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// Status is a presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Record is the payload of a presence envelope.
type Record struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Publisher sends envelopes through the broker.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope) (uint64, error)
}

// ConnectionCounter reports how many local connections a user has.
type ConnectionCounter interface {
	UserConnections(userID string) int
}

// userState is guarded by its own mutex so announcements for one user are
// published in order without serialising unrelated users.
type userState struct {
	mu    sync.Mutex
	convs map[string]struct{}
	refs  int
}

// Service tracks, per user, the conversations this process announced the
// user online in.
type Service struct {
	publisher Publisher
	conns     ConnectionCounter
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	users map[string]*userState
	view  map[string]Record
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for lastSeen.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a presence service.
func New(publisher Publisher, conns ConnectionCounter, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		publisher: publisher,
		conns:     conns,
		logger:    logger,
		now:       time.Now,
		users:     make(map[string]*userState),
		view:      make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) acquire(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &userState{convs: make(map[string]struct{})}
		s.users[userID] = u
	}
	u.refs++
	return u
}

// release must be called without u.mu held.
func (s *Service) release(userID string, u *userState) {
	u.mu.Lock()
	empty := len(u.convs) == 0
	u.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	u.refs--
	if u.refs == 0 && empty && s.users[userID] == u {
		delete(s.users, userID)
	}
}

// Subscribed announces userID online in conv unless this process already
// did so since the user's last offline announcement.
func (s *Service) Subscribed(ctx context.Context, userID, conv string) {
	u := s.acquire(userID)
	defer s.release(userID, u)

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.convs[conv]; ok {
		return
	}
	u.convs[conv] = struct{}{}
	s.publish(ctx, userID, conv, StatusOnline)
}

// Disconnected announces userID offline in every conversation it was
// announced in, provided no other local connection of the user remains. The
// closing connection must already have been removed from the registry.
func (s *Service) Disconnected(ctx context.Context, userID string) {
	u := s.acquire(userID)
	defer s.release(userID, u)

	u.mu.Lock()
	defer u.mu.Unlock()
	if s.conns.UserConnections(userID) > 0 {
		return
	}
	convs := u.convs
	u.convs = make(map[string]struct{})
	for conv := range convs {
		s.publish(ctx, userID, conv, StatusOffline)
	}
}

func (s *Service) publish(ctx context.Context, userID, conv string, status Status) {
	rec := Record{UserID: userID, Status: status, LastSeen: s.now().UTC()}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("encode presence", zap.String("user_id", userID), zap.Error(err))
		return
	}

	env := envelope.Envelope{
		ID:             uuid.NewString(),
		ConversationID: conv,
		SenderID:       userID,
		CreatedAt:      rec.LastSeen,
		Kind:           envelope.KindPresence,
		Payload:        payload,
	}
	if _, err := s.publisher.Publish(ctx, env); err != nil {
		// Views converge on the user's next transition.
		s.logger.Warn("presence publish failed",
			zap.String("user_id", userID),
			zap.String("conversation_id", conv),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	s.logger.Debug("presence published",
		zap.String("user_id", userID),
		zap.String("conversation_id", conv),
		zap.String("status", string(status)))
}

// Observe folds a presence envelope into the view. Other envelopes are
// ignored. A record older than the one held is discarded.
func (s *Service) Observe(env envelope.Envelope) {
	if !env.IsPresence() {
		return
	}
	var rec Record
	if err := json.Unmarshal(env.Payload, &rec); err != nil || rec.UserID == "" {
		s.logger.Debug("ignoring malformed presence payload",
			zap.String("envelope_id", env.ID),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.view[rec.UserID]; ok && cur.LastSeen.After(rec.LastSeen) {
		return
	}
	s.view[rec.UserID] = rec
}

// Lookup returns the latest observed record for userID.
func (s *Service) Lookup(userID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.view[userID]
	return rec, ok
}
