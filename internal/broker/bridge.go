package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

const tracerName = "github.com/Tyrowin/gochat-relay/internal/broker"

// Handler receives every envelope read from a tracked conversation, in seq
// order. It must not block on slow clients.
type Handler func(ctx context.Context, env envelope.Envelope)

// Config tunes the bridge.
type Config struct {
	PublishAttempts int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	ReadBatch       int
	ReadWait        time.Duration
	RestartInitial  time.Duration
	RestartMax      time.Duration
	MaxPayloadBytes int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		PublishAttempts: 3,
		RetryInitial:    50 * time.Millisecond,
		RetryMax:        time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
		ReadBatch:       128,
		ReadWait:        time.Second,
		RestartInitial:  100 * time.Millisecond,
		RestartMax:      5 * time.Second,
		MaxPayloadBytes: envelope.DefaultMaxPayload,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = d.PublishAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.ReadBatch <= 0 {
		c.ReadBatch = d.ReadBatch
	}
	if c.ReadWait <= 0 {
		c.ReadWait = d.ReadWait
	}
	if c.RestartInitial <= 0 {
		c.RestartInitial = d.RestartInitial
	}
	if c.RestartMax <= 0 {
		c.RestartMax = d.RestartMax
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	return c
}

// position is the consumer state of one tracked conversation.
type position struct {
	refs      int
	next      uint64
	committed uint64
}

// Bridge publishes envelopes to the shared log and consumes the
// conversations that have local subscribers.
type Bridge struct {
	log     Log
	cursors CursorStore
	codec   *envelope.Codec
	cfg     Config
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup
	running    sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	tracked   map[string]*position
	seen      map[string]struct{}
	changed   chan struct{}
	interrupt context.CancelFunc
}

// NewBridge creates a bridge over log and cursors. The bridge owns both and
// closes them in Close.
func NewBridge(log Log, cursors CursorStore, cfg Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		log:        log,
		cursors:    cursors,
		codec:      envelope.NewCodec(cfg.MaxPayloadBytes),
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		baseCtx:    ctx,
		baseCancel: cancel,
		tracked:    make(map[string]*position),
		seen:       make(map[string]struct{}),
		changed:    make(chan struct{}),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-append",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// Codec returns the codec used for the log wire format.
func (b *Bridge) Codec() *envelope.Codec {
	return b.codec
}

// Publish appends env to its conversation log and returns the seq assigned.
// Transient failures are retried with exponential backoff; when every attempt
// fails the error wraps both ErrDeliveryFailed and ErrUnavailable.
func (b *Bridge) Publish(ctx context.Context, env envelope.Envelope) (uint64, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "broker.Publish", trace.WithAttributes(
		attribute.String("conversation.id", env.ConversationID),
		attribute.String("envelope.id", env.ID),
	))
	defer span.End()

	data, err := b.codec.Encode(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		metrics.Publishes.WithLabelValues("rejected").Inc()
		return 0, err
	}

	// Stragglers are cancelled when Close gives up waiting.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.baseCtx, cancel)
	defer stop()

	var (
		seq      uint64
		attempts int
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			metrics.PublishRetries.Inc()
		}
		res, err := b.breaker.Execute(func() (interface{}, error) {
			return b.log.Append(ctx, env.ConversationID, data)
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		seq = res.(uint64)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryInitial
	policy.MaxInterval = b.cfg.RetryMax
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.PublishAttempts-1)), ctx)

	if err := backoff.Retry(op, retry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		metrics.Publishes.WithLabelValues("failed").Inc()
		b.logger.Warn("publish failed",
			zap.String("conversation_id", env.ConversationID),
			zap.String("envelope_id", env.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return 0, fmt.Errorf("%w: %w: %v", ErrDeliveryFailed, ErrUnavailable, err)
	}

	span.SetAttributes(attribute.Int64("envelope.seq", int64(seq)))
	metrics.Publishes.WithLabelValues("ok").Inc()
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	return seq, nil
}

// Track registers local interest in conv. The first time a conversation is
// tracked in the lifetime of the process, consumption resumes after the
// committed cursor, or starts at the current log head when none exists.
// Tracking it again after interest dropped to zero starts at the head.
func (b *Bridge) Track(ctx context.Context, conv string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if p, ok := b.tracked[conv]; ok {
		p.refs++
		b.mu.Unlock()
		return nil
	}
	_, seenBefore := b.seen[conv]
	b.mu.Unlock()

	committed, err := b.startingPoint(ctx, conv, !seenBefore)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if p, ok := b.tracked[conv]; ok {
		p.refs++
		return nil
	}
	b.tracked[conv] = &position{refs: 1, next: committed + 1, committed: committed}
	b.seen[conv] = struct{}{}
	b.notifyLocked()
	b.logger.Debug("tracking conversation",
		zap.String("conversation_id", conv),
		zap.Uint64("seq", committed+1))
	return nil
}

// startingPoint returns the seq after which consumption of conv begins.
func (b *Bridge) startingPoint(ctx context.Context, conv string, resume bool) (uint64, error) {
	if resume {
		seq, ok, err := b.cursors.Load(ctx, conv)
		if err != nil {
			return 0, err
		}
		if ok {
			return seq, nil
		}
	}

	head, err := b.log.Head(ctx, conv)
	if err != nil {
		return 0, err
	}
	if err := b.cursors.Commit(ctx, conv, head); err != nil {
		return 0, err
	}
	return head, nil
}

// Untrack drops one unit of interest in conv. Consumption stops when the last
// one is gone.
func (b *Bridge) Untrack(conv string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.tracked[conv]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		delete(b.tracked, conv)
		b.logger.Debug("untracked conversation", zap.String("conversation_id", conv))
	}
}

// Tracked reports whether conv currently has local interest.
func (b *Bridge) Tracked(conv string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tracked[conv]
	return ok
}

// notifyLocked wakes an idle consumer and ends an in-flight read so that the
// new conversation joins the next read. Logs that implement Waker are woken
// in place; others have the read cancelled. b.mu must be held.
func (b *Bridge) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
	if w, ok := b.log.(Waker); ok {
		w.Wake()
		return
	}
	if b.interrupt != nil {
		b.interrupt()
		b.interrupt = nil
	}
}

// Run consumes tracked conversations and passes every envelope to handler
// until ctx is cancelled or the bridge is closed. Read and commit failures
// restart consumption from the committed cursors after a backoff.
func (b *Bridge) Run(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.running.Add(1)
	b.mu.Unlock()
	defer b.running.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.baseCtx, cancel)
	defer stop()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RestartInitial
	policy.MaxInterval = b.cfg.RestartMax
	policy.MaxElapsedTime = 0

	for {
		progressed, err := b.consume(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if progressed {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		metrics.ConsumerRestarts.Inc()
		b.logger.Warn("broker consumer restarting",
			zap.Duration("backoff", wait),
			zap.Error(err))
		b.rewind()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// rewind moves every position back to its committed cursor.
func (b *Bridge) rewind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.tracked {
		p.next = p.committed + 1
	}
}

// snapshot returns the read positions and a context for one read that is
// cancelled when tracking changes.
func (b *Bridge) snapshot(ctx context.Context) (map[string]uint64, <-chan struct{}, context.Context, context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := make(map[string]uint64, len(b.tracked))
	for conv, p := range b.tracked {
		from[conv] = p.next
	}
	readCtx, cancel := context.WithCancel(ctx)
	b.interrupt = cancel
	return from, b.changed, readCtx, cancel
}

func (b *Bridge) consume(ctx context.Context, handler Handler) (progressed bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return progressed, err
		}

		from, changed, readCtx, cancel := b.snapshot(ctx)
		if len(from) == 0 {
			select {
			case <-changed:
			case <-ctx.Done():
			}
			cancel()
			continue
		}

		batches, err := b.log.Read(readCtx, from, b.cfg.ReadBatch, b.cfg.ReadWait)
		interrupted := readCtx.Err() != nil && ctx.Err() == nil
		cancel()
		if err != nil {
			if interrupted {
				continue
			}
			return progressed, fmt.Errorf("read: %w", err)
		}

		for _, batch := range batches {
			if err := b.deliverBatch(ctx, batch, handler); err != nil {
				return progressed, err
			}
			progressed = true
		}
	}
}

func (b *Bridge) deliverBatch(ctx context.Context, batch Batch, handler Handler) error {
	conv := batch.ConversationID

	b.mu.Lock()
	p, ok := b.tracked[conv]
	var next uint64
	if ok {
		next = p.next
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	var last uint64
	for _, rec := range batch.Records {
		if rec.Seq < next {
			continue
		}
		if rec.Seq > next {
			metrics.SequenceGaps.Inc()
			b.logger.Warn("sequence gap in conversation log",
				zap.String("conversation_id", conv),
				zap.Uint64("expected", next),
				zap.Uint64("seq", rec.Seq))
		}

		env, n, err := b.codec.Decode(rec.Data)
		switch {
		case err != nil:
			b.logger.Error("skipping undecodable record",
				zap.String("conversation_id", conv),
				zap.Uint64("seq", rec.Seq),
				zap.Error(err))
		case n == 0:
			b.logger.Error("skipping truncated record",
				zap.String("conversation_id", conv),
				zap.Uint64("seq", rec.Seq))
		default:
			env.Seq = rec.Seq
			handler(ctx, env)
		}
		next = rec.Seq + 1
		last = rec.Seq
	}
	if last == 0 {
		return nil
	}

	if err := b.cursors.Commit(ctx, conv, last); err != nil {
		return fmt.Errorf("commit cursor %s at %d: %w", conv, last, err)
	}
	metrics.CursorCommits.Inc()

	b.mu.Lock()
	if cur, ok := b.tracked[conv]; ok && cur == p {
		if next > p.next {
			p.next = next
		}
		if last > p.committed {
			p.committed = last
		}
	}
	b.mu.Unlock()
	return nil
}

// Close rejects new publishes and waits for in-flight ones until ctx
// expires, then cancels the rest, stops the consumer and closes the log and
// cursor store.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("cancelling in-flight publishes", zap.Error(ctx.Err()))
	}
	b.baseCancel()
	<-done
	b.running.Wait()

	return errors.Join(b.log.Close(), b.cursors.Close())
}
