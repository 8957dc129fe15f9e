package delivery

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// session is one authenticated connection. The read loop runs on the
// goroutine that called Serve; writePump owns all data writes.
type session struct {
	c         *Coordinator
	socket    Socket
	conn      *registry.Connection
	principal auth.Principal
	log       *zap.Logger
	limiter   *rate.Limiter
	dedup     *dedupWindow

	state   atomic.Int32
	strikes atomic.Int32

	closeStarted atomic.Bool
	closing      chan struct{}
	writerDone   chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	idle        *time.Timer
	expiry      *time.Timer
}

func newSession(c *Coordinator, socket Socket, conn *registry.Connection, principal auth.Principal, logger *zap.Logger) *session {
	s := &session{
		c:          c,
		socket:     socket,
		conn:       conn,
		principal:  principal,
		log:        logger,
		limiter:    rate.NewLimiter(c.cfg.limit(), c.cfg.RateBurst),
		dedup:      newDedupWindow(c.cfg.DedupWindow),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateAuthenticated))
	return s
}

// State returns the current lifecycle state.
func (s *session) State() State {
	return State(s.state.Load())
}

// activate moves an authenticated session to Active.
func (s *session) activate() {
	if s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive)) {
		s.log.Debug("session active")
	}
}

func (s *session) run() {
	if s.c.cfg.ActivateOnConnect {
		s.activate()
	}

	s.mu.Lock()
	s.expiry = time.AfterFunc(time.Until(s.principal.ExpiresAt), func() {
		s.beginClose(CloseTokenExpired, "token expired")
	})
	if s.c.cfg.IdleTimeout > 0 {
		s.idle = time.AfterFunc(s.c.cfg.IdleTimeout, func() {
			s.beginClose(CloseIdleTimeout, "idle timeout")
		})
	}
	s.mu.Unlock()

	go s.writePump()
	s.readPump()
	s.finish()
}

// setupReadConnection configures the read limit, the read deadline and the
// pong handler that extends it.
func (s *session) setupReadConnection() {
	s.socket.SetReadLimit(s.c.cfg.MaxFrameBytes)
	if err := s.socket.SetReadDeadline(time.Now().Add(s.c.cfg.PongWait)); err != nil {
		s.log.Debug("setting initial read deadline", zap.Error(err))
	}
	s.socket.SetPongHandler(func(string) error {
		if err := s.socket.SetReadDeadline(time.Now().Add(s.c.cfg.PongWait)); err != nil {
			return err
		}
		// beginClose may have raced with the extension above.
		if s.closeStarted.Load() {
			return s.socket.SetReadDeadline(time.Now())
		}
		return nil
	})
}

func (s *session) readPump() {
	s.setupReadConnection()

	for {
		_, data, err := s.socket.ReadMessage()
		if err != nil {
			if !s.closeStarted.Load() {
				s.beginClose(classifyReadError(s.log, err), "")
			}
			return
		}
		if s.closeStarted.Load() {
			return
		}
		s.touch()

		if !s.limiter.Allow() {
			s.log.Debug("rate limit exceeded; discarding frame")
			s.reply(envelope.ErrorDetail{Code: envelope.CodeRateLimited, Message: "too many frames"})
			continue
		}

		frame, err := envelope.ParseClientFrame(data, s.c.cfg.MaxPayloadBytes)
		if err != nil {
			s.log.Info("malformed frame", zap.Error(err))
			s.reply(envelope.ErrorDetail{Code: envelope.CodeMalformed, Message: err.Error()})
			s.beginClose(CloseProtocolError, "malformed frame")
			return
		}
		metrics.Frames.WithLabelValues(string(frame.Type)).Inc()

		switch frame.Type {
		case envelope.FrameJoin:
			s.join(frame.ConversationID)
		case envelope.FrameLeave:
			s.leave(frame.ConversationID)
		case envelope.FrameSend:
			s.send(frame)
		case envelope.FrameDisconnect:
			s.beginClose(CloseNormal, "client disconnect")
			return
		}
	}
}

// touch records inbound activity and pushes the idle deadline back.
func (s *session) touch() {
	s.conn.Touch(s.c.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Reset(s.c.cfg.IdleTimeout)
	}
}

func (s *session) join(conv string) {
	added, err := s.c.registry.Subscribe(s.conn.ID(), conv)
	if err != nil {
		s.log.Debug("subscribe on closing connection", zap.String("conversation_id", conv), zap.Error(err))
		return
	}
	if !added {
		s.activate()
		return
	}

	ctx, cancel := context.WithTimeout(s.c.ctx, s.c.cfg.PublishTimeout)
	defer cancel()
	if err := s.c.broker.Track(ctx, conv); err != nil {
		_, _ = s.c.registry.Unsubscribe(s.conn.ID(), conv)
		s.log.Warn("tracking conversation failed", zap.String("conversation_id", conv), zap.Error(err))
		s.reply(envelope.ErrorDetail{
			Code:           envelope.CodeSubscribeFailed,
			Message:        "conversation unavailable",
			ConversationID: conv,
		})
		return
	}

	s.activate()
	s.log.Debug("joined conversation", zap.String("conversation_id", conv))
	if s.c.presence != nil {
		s.c.presence.Subscribed(ctx, s.principal.UserID, conv)
	}
}

func (s *session) leave(conv string) {
	removed, err := s.c.registry.Unsubscribe(s.conn.ID(), conv)
	if err != nil || !removed {
		return
	}
	s.c.broker.Untrack(conv)
	s.log.Debug("left conversation", zap.String("conversation_id", conv))
}

func (s *session) send(frame envelope.ClientFrame) {
	if s.State() != StateActive {
		s.reply(envelope.ErrorDetail{
			Code:           envelope.CodeNotActive,
			Message:        "join a conversation before sending",
			ConversationID: frame.ConversationID,
			ClientMsgID:    frame.ClientMsgID,
		})
		return
	}

	id := frame.ClientMsgID
	if id == "" {
		id = uuid.NewString()
	}
	env := envelope.Envelope{
		ID:             id,
		ConversationID: frame.ConversationID,
		SenderID:       s.principal.UserID,
		CreatedAt:      s.c.now().UTC(),
		Kind:           envelope.KindMessage,
		Payload:        frame.Payload,
	}

	ctx, cancel := context.WithTimeout(s.c.ctx, s.c.cfg.PublishTimeout)
	defer cancel()
	seq, err := s.c.broker.Publish(ctx, env)
	if err != nil {
		s.log.Warn("publish failed",
			zap.String("conversation_id", env.ConversationID),
			zap.String("envelope_id", env.ID),
			zap.Error(err))
		s.reply(envelope.ErrorDetail{
			Code:           envelope.CodeDeliveryFailed,
			Message:        "message could not be delivered",
			ConversationID: frame.ConversationID,
			ClientMsgID:    frame.ClientMsgID,
		})
		return
	}
	s.log.Debug("published",
		zap.String("conversation_id", env.ConversationID),
		zap.Uint64("seq", seq))
}

// reply queues an error frame for this connection only.
func (s *session) reply(detail envelope.ErrorDetail) {
	if res := s.conn.Enqueue(envelope.ErrorFrame(detail)); !res.Delivered {
		s.log.Debug("error frame dropped", zap.String("code", detail.Code), zap.String("reason", string(res.Reason)))
	}
}

// deliver enqueues a broker envelope, skipping envelopes already delivered to
// this connection. Consecutive full-queue drops close the session.
func (s *session) deliver(env envelope.Envelope) {
	if s.dedup.seen(env) {
		metrics.Duplicates.Inc()
		return
	}

	res := s.c.registry.Deliver(s.conn.ID(), env)
	if res.Delivered {
		s.dedup.mark(env)
		s.strikes.Store(0)
		metrics.Deliveries.Inc()
		return
	}

	metrics.Drops.WithLabelValues(string(res.Reason)).Inc()
	if res.Reason != registry.ReasonSlowConsumer {
		return
	}
	strikes := s.strikes.Add(1)
	s.log.Debug("outbound queue full",
		zap.String("conversation_id", env.ConversationID),
		zap.Uint64("seq", env.Seq),
		zap.Int32("strikes", strikes))
	if int(strikes) >= s.c.cfg.SlowConsumerStrikes {
		if s.beginClose(CloseSlowConsumer, "slow consumer") {
			metrics.SlowConsumers.Inc()
			s.log.Warn("closing slow consumer", zap.Int("queue_depth", s.conn.QueueDepth()))
		}
	}
}

// beginClose moves the session to Closing. Only the first call wins; it
// reports whether this call did.
func (s *session) beginClose(code int, reason string) bool {
	if !s.closeStarted.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.closeCode = code
	s.closeReason = reason
	s.mu.Unlock()

	s.state.Store(int32(StateClosing))
	close(s.closing)
	// Wake the read loop.
	if err := s.socket.SetReadDeadline(time.Now()); err != nil {
		s.log.Debug("interrupting read", zap.Error(err))
	}
	return true
}

func (s *session) closeInfo() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// finish runs on the Serve goroutine once the read loop has stopped.
func (s *session) finish() {
	s.beginClose(CloseNormal, "")
	code, reason := s.closeInfo()

	s.mu.Lock()
	if s.idle != nil {
		s.idle.Stop()
	}
	if s.expiry != nil {
		s.expiry.Stop()
	}
	s.mu.Unlock()

	for _, conv := range s.c.registry.Remove(s.conn.ID()) {
		s.c.broker.Untrack(conv)
	}
	if s.c.presence != nil {
		ctx, cancel := context.WithTimeout(s.c.ctx, s.c.cfg.PublishTimeout)
		s.c.presence.Disconnected(ctx, s.principal.UserID)
		cancel()
	}

	<-s.writerDone
	if code != websocket.CloseAbnormalClosure {
		writeClose(s.socket, code, reason, s.c.cfg.WriteWait, s.log)
	}
	if err := s.socket.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Debug("closing socket", zap.Error(err))
	}

	s.state.Store(int32(StateClosed))
	metrics.Connections.Dec()
	metrics.Closes.WithLabelValues(closeLabel(code)).Inc()
	s.log.Info("connection closed", zap.Int("code", code), zap.String("reason", reason))
	s.c.release(s)
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
	}()

	queue := s.conn.Queue()
	for {
		select {
		case frame, ok := <-queue:
			if !ok {
				return
			}
			if !s.writeFrame(frame) {
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				return
			}
		case <-s.closing:
			s.flush(queue)
			return
		}
	}
}

// flush writes what is still queued, except for a slow consumer whose
// backlog is discarded.
func (s *session) flush(queue <-chan envelope.ServerFrame) {
	if code, _ := s.closeInfo(); code == CloseSlowConsumer || code == websocket.CloseAbnormalClosure {
		return
	}
	for {
		select {
		case frame, ok := <-queue:
			if !ok || !s.writeFrame(frame) {
				return
			}
		default:
			return
		}
	}
}

func (s *session) writeFrame(frame envelope.ServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("encoding frame", zap.Error(err))
		return true
	}
	if err := s.socket.SetWriteDeadline(time.Now().Add(s.c.cfg.WriteWait)); err != nil {
		s.log.Debug("setting write deadline", zap.Error(err))
		s.beginClose(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	if err := s.socket.WriteMessage(websocket.TextMessage, data); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Info("writing frame", zap.Error(err))
		}
		s.beginClose(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	return true
}

// writePing sends a ping message to keep the connection alive.
func (s *session) writePing() bool {
	if err := s.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.c.cfg.WriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Info("writing ping", zap.Error(err))
		}
		s.beginClose(websocket.CloseAbnormalClosure, "ping failed")
		return false
	}
	return true
}

func writeClose(socket Socket, code int, reason string, wait time.Duration, logger *zap.Logger) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait)); err != nil && !isExpectedCloseError(err) {
		logger.Debug("writing close frame", zap.Int("code", code), zap.Error(err))
	}
}

func closeLabel(code int) string {
	return strconv.Itoa(code)
}
