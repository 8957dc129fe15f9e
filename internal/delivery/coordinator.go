// Package delivery runs the lifecycle of every client connection: it
// authenticates the socket, turns client frames into broker publishes and
// fans broker envelopes out to local subscribers.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// Socket is the part of *websocket.Conn a session needs.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Authenticator validates handshake credentials.
type Authenticator interface {
	Authenticate(credential string) (auth.Principal, error)
}

// Broker is the publish and interest side of the broker bridge.
type Broker interface {
	Publish(ctx context.Context, env envelope.Envelope) (uint64, error)
	Track(ctx context.Context, conv string) error
	Untrack(conv string)
}

// Presence receives subscription and disconnect notifications.
type Presence interface {
	Subscribed(ctx context.Context, userID, conv string)
	Disconnected(ctx context.Context, userID string)
	Observe(env envelope.Envelope)
}

// Config tunes sessions.
type Config struct {
	QueueSize           int
	MaxFrameBytes       int64
	MaxPayloadBytes     int
	PongWait            time.Duration
	PingInterval        time.Duration
	WriteWait           time.Duration
	IdleTimeout         time.Duration
	PublishTimeout      time.Duration
	SlowConsumerStrikes int
	DedupWindow         int
	RatePerSecond       float64
	RateBurst           int
	ActivateOnConnect   bool
}

// DefaultConfig returns the session settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		QueueSize:           registry.DefaultQueueSize,
		MaxFrameBytes:       envelope.DefaultMaxPayload + 4<<10,
		MaxPayloadBytes:     envelope.DefaultMaxPayload,
		PongWait:            60 * time.Second,
		PingInterval:        54 * time.Second,
		WriteWait:           10 * time.Second,
		IdleTimeout:         5 * time.Minute,
		PublishTimeout:      5 * time.Second,
		SlowConsumerStrikes: 3,
		DedupWindow:         DefaultDedupWindow,
		RatePerSecond:       20,
		RateBurst:           40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = int64(c.MaxPayloadBytes) + 4<<10
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.SlowConsumerStrikes <= 0 {
		c.SlowConsumerStrikes = d.SlowConsumerStrikes
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RatePerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RatePerSecond)
}

// Coordinator owns every session of this process.
type Coordinator struct {
	cfg      Config
	auth     Authenticator
	registry *registry.Registry
	broker   Broker
	presence Presence
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	sessions     map[string]*session
	shuttingDown bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator. presence may be nil.
func New(cfg Config, authenticator Authenticator, reg *registry.Registry, broker Broker, presence Presence, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		auth:     authenticator,
		registry: reg,
		broker:   broker,
		presence: presence,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve runs one connection until it is closed. It authenticates before any
// frame is read; a connection that fails authentication is closed with 4001
// and never registered.
func (c *Coordinator) Serve(socket Socket, credential, remoteAddr string) {
	logger := c.logger.With(zap.String("remote_addr", remoteAddr))

	c.mu.RLock()
	shuttingDown := c.shuttingDown
	c.mu.RUnlock()
	if shuttingDown {
		c.reject(socket, CloseGoingAway, "server shutting down", logger)
		return
	}

	principal, err := c.auth.Authenticate(credential)
	if err != nil {
		metrics.AuthFailures.Inc()
		logger.Info("rejecting unauthenticated connection", zap.Error(err))
		c.reject(socket, CloseUnauthenticated, "unauthenticated", logger)
		return
	}

	conn := registry.NewConnection(uuid.NewString(), principal.UserID, c.cfg.QueueSize)
	s := newSession(c, socket, conn, principal, logger.With(
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", principal.UserID)))

	if !c.admit(s) {
		c.reject(socket, CloseGoingAway, "server shutting down", logger)
		return
	}
	if err := c.registry.Add(conn); err != nil {
		c.release(s)
		logger.Error("registering connection", zap.Error(err))
		c.reject(socket, CloseInternalError, "internal error", logger)
		return
	}
	metrics.Connections.Inc()
	s.log.Info("connection authenticated", zap.Time("expires_at", principal.ExpiresAt))

	s.run()
}

func (c *Coordinator) admit(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return false
	}
	c.sessions[s.conn.ID()] = s
	c.wg.Add(1)
	return true
}

func (c *Coordinator) release(s *session) {
	c.mu.Lock()
	delete(c.sessions, s.conn.ID())
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Coordinator) reject(socket Socket, code int, reason string, logger *zap.Logger) {
	metrics.Closes.WithLabelValues(closeLabel(code)).Inc()
	writeClose(socket, code, reason, c.cfg.WriteWait, logger)
	if err := socket.Close(); err != nil && !isExpectedCloseError(err) {
		logger.Debug("closing rejected socket", zap.Error(err))
	}
}

func (c *Coordinator) session(id string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

// Len returns the number of sessions not yet closed.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Dispatch fans env out to every local subscriber of its conversation. It is
// the broker consumer handler and never blocks on a client.
func (c *Coordinator) Dispatch(_ context.Context, env envelope.Envelope) {
	if env.IsPresence() && c.presence != nil {
		c.presence.Observe(env)
	}
	for _, id := range c.registry.LocalSubscribers(env.ConversationID) {
		s := c.session(id)
		if s == nil {
			continue
		}
		s.deliver(env)
	}
}

// Shutdown closes every session with 1001 and waits for them to finish or for
// ctx to expire. New connections are refused from the first call on.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	c.logger.Info("closing sessions", zap.Int("sessions", len(sessions)))
	for _, s := range sessions {
		s.beginClose(CloseGoingAway, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
