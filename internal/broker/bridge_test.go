package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// flakyLog fails the next failAppends appends.
type flakyLog struct {
	*MemoryLog
	failAppends atomic.Int32
	appends     atomic.Int32
}

func (f *flakyLog) Append(ctx context.Context, conv string, data []byte) (uint64, error) {
	f.appends.Add(1)
	if f.failAppends.Add(-1) >= 0 {
		return 0, fmt.Errorf("%w: injected", ErrUnavailable)
	}
	return f.MemoryLog.Append(ctx, conv, data)
}

// flakyCursors fails the next failCommits commits.
type flakyCursors struct {
	*MemoryCursors
	failCommits atomic.Int32
}

func (f *flakyCursors) Commit(ctx context.Context, conv string, seq uint64) error {
	if f.failCommits.Add(-1) >= 0 {
		return fmt.Errorf("%w: injected", ErrUnavailable)
	}
	return f.MemoryCursors.Commit(ctx, conv, seq)
}

func testConfig() Config {
	return Config{
		PublishAttempts: 3,
		RetryInitial:    time.Millisecond,
		RetryMax:        5 * time.Millisecond,
		ReadWait:        50 * time.Millisecond,
		RestartInitial:  5 * time.Millisecond,
		RestartMax:      20 * time.Millisecond,
	}
}

func newTestEnvelope(conv, id string) envelope.Envelope {
	return envelope.Envelope{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		CreatedAt:      time.Now().UTC(),
		Kind:           envelope.KindMessage,
		Payload:        json.RawMessage(`"hi"`),
	}
}

// collector is a Handler that records what it receives.
type collector struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (c *collector) handle(_ context.Context, env envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.envs))
	for i, env := range c.envs {
		out[i] = env.Seq
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func startBridge(t *testing.T, b *Bridge, c *collector) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx, c.handle)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	log := &flakyLog{MemoryLog: NewMemoryLog(0)}
	log.failAppends.Store(2)
	b := NewBridge(log, NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))
	defer b.Close(context.Background())

	seq, err := b.Publish(context.Background(), newTestEnvelope("room", "m-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, int32(3), log.appends.Load())
}

func TestPublishExhaustsAttempts(t *testing.T) {
	log := &flakyLog{MemoryLog: NewMemoryLog(0)}
	log.failAppends.Store(100)
	b := NewBridge(log, NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))
	defer b.Close(context.Background())

	_, err := b.Publish(context.Background(), newTestEnvelope("room", "m-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), log.appends.Load())
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadBytes = 8
	b := NewBridge(NewMemoryLog(0), NewMemoryCursors(), cfg, zaptest.NewLogger(t))
	defer b.Close(context.Background())

	env := newTestEnvelope("room", "m-1")
	env.Payload = json.RawMessage(`"` + strings.Repeat("x", 32) + `"`)
	_, err := b.Publish(context.Background(), env)
	assert.ErrorIs(t, err, envelope.ErrPayloadTooLarge)
}

func TestPublishAfterClose(t *testing.T) {
	b := NewBridge(NewMemoryLog(0), NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	_, err := b.Publish(context.Background(), newTestEnvelope("room", "m-1"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Track(context.Background(), "room"), ErrClosed)
	assert.ErrorIs(t, b.Run(context.Background(), func(context.Context, envelope.Envelope) {}), ErrClosed)
}

// TestCrossInstanceOrder publishes from one bridge and consumes on another
// sharing the same log.
func TestCrossInstanceOrder(t *testing.T) {
	shared := NewMemoryLog(0)
	producer := NewBridge(shared, NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))
	consumer := NewBridge(shared, NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))

	c := &collector{}
	startBridge(t, consumer, c)
	require.NoError(t, consumer.Track(context.Background(), "room"))

	for i := 1; i <= 20; i++ {
		seq, err := producer.Publish(context.Background(), newTestEnvelope("room", fmt.Sprintf("m-%d", i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
	}

	require.Eventually(t, func() bool { return c.count() == 20 }, 3*time.Second, 10*time.Millisecond)
	for i, seq := range c.seqs() {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestTrackStartsAtHead(t *testing.T) {
	log := NewMemoryLog(0)
	b := NewBridge(log, NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, newTestEnvelope("room", fmt.Sprintf("old-%d", i)))
		require.NoError(t, err)
	}

	c := &collector{}
	startBridge(t, b, c)
	require.NoError(t, b.Track(ctx, "room"))
	_, err := b.Publish(ctx, newTestEnvelope("room", "new"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []uint64{4}, c.seqs())
}

func TestTrackResumesFromCommittedCursor(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)
	cursors := NewMemoryCursors()
	require.NoError(t, cursors.Commit(ctx, "room", 2))

	codec := envelope.NewCodec(0)
	for i := 1; i <= 4; i++ {
		data, err := codec.Encode(newTestEnvelope("room", fmt.Sprintf("m-%d", i)))
		require.NoError(t, err)
		_, err = log.Append(ctx, "room", data)
		require.NoError(t, err)
	}

	b := NewBridge(log, cursors, testConfig(), zaptest.NewLogger(t))
	c := &collector{}
	startBridge(t, b, c)
	require.NoError(t, b.Track(ctx, "room"))

	require.Eventually(t, func() bool { return c.count() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{3, 4}, c.seqs())

	require.Eventually(t, func() bool {
		seq, _, _ := cursors.Load(ctx, "room")
		return seq == 4
	}, time.Second, 10*time.Millisecond)
}

func TestRetrackFastForwardsToHead(t *testing.T) {
	ctx := context.Background()
	b := NewBridge(NewMemoryLog(0), NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))
	c := &collector{}
	startBridge(t, b, c)

	require.NoError(t, b.Track(ctx, "room"))
	require.NoError(t, b.Track(ctx, "room"))
	b.Untrack("room")
	assert.True(t, b.Tracked("room"), "interest is reference counted")
	b.Untrack("room")
	assert.False(t, b.Tracked("room"))

	for i := 0; i < 2; i++ {
		_, err := b.Publish(ctx, newTestEnvelope("room", fmt.Sprintf("missed-%d", i)))
		require.NoError(t, err)
	}

	require.NoError(t, b.Track(ctx, "room"))
	_, err := b.Publish(ctx, newTestEnvelope("room", "seen"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{3}, c.seqs())
}

// TestRestartAfterCommitFailure checks that a failed commit redelivers from
// the committed cursor rather than skipping ahead.
func TestRestartAfterCommitFailure(t *testing.T) {
	ctx := context.Background()
	cursors := &flakyCursors{MemoryCursors: NewMemoryCursors()}
	b := NewBridge(NewMemoryLog(0), cursors, testConfig(), zaptest.NewLogger(t))
	c := &collector{}
	startBridge(t, b, c)

	require.NoError(t, b.Track(ctx, "room"))
	cursors.failCommits.Store(1)

	_, err := b.Publish(ctx, newTestEnvelope("room", "m-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 2 }, 3*time.Second, 10*time.Millisecond)

	_, err = b.Publish(ctx, newTestEnvelope("room", "m-2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 3 }, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []uint64{1, 1, 2}, c.seqs())
	seq, _, err := cursors.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

// TestTrackInterruptsBlockedRead makes sure a second conversation is picked
// up while the consumer is blocked reading the first.
func TestTrackInterruptsBlockedRead(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ReadWait = 10 * time.Second
	b := NewBridge(NewMemoryLog(0), NewMemoryCursors(), cfg, zaptest.NewLogger(t))
	c := &collector{}
	startBridge(t, b, c)

	require.NoError(t, b.Track(ctx, "first"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Track(ctx, "second"))

	_, err := b.Publish(ctx, newTestEnvelope("second", "m-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// wakingLog is a MemoryLog whose blocked reads end on Wake.
type wakingLog struct {
	*MemoryLog
	kick      chan struct{}
	wakes     atomic.Int32
	cancelled atomic.Int32
}

func newWakingLog() *wakingLog {
	return &wakingLog{MemoryLog: NewMemoryLog(0), kick: make(chan struct{}, 1)}
}

func (w *wakingLog) Wake() {
	w.wakes.Add(1)
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *wakingLog) Read(ctx context.Context, from map[string]uint64, limit int, wait time.Duration) ([]Batch, error) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.kick:
			cancel()
		case <-readCtx.Done():
		}
	}()
	batches, err := w.MemoryLog.Read(readCtx, from, limit, wait)
	if ctx.Err() != nil {
		w.cancelled.Add(1)
	}
	if readCtx.Err() != nil && ctx.Err() == nil {
		return nil, nil
	}
	return batches, err
}

func TestTrackWakesLogInsteadOfCancelling(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ReadWait = 10 * time.Second
	log := newWakingLog()
	b := NewBridge(log, NewMemoryCursors(), cfg, zaptest.NewLogger(t))
	c := &collector{}
	startBridge(t, b, c)

	require.NoError(t, b.Track(ctx, "first"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Track(ctx, "second"))

	_, err := b.Publish(ctx, newTestEnvelope("second", "m-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), log.wakes.Load())
	assert.Zero(t, log.cancelled.Load(), "reads are never cancelled by tracking")
}

func TestCloseStopsConsumer(t *testing.T) {
	b := NewBridge(NewMemoryLog(0), NewMemoryCursors(), testConfig(), zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), func(context.Context, envelope.Envelope) {}) }()
	require.NoError(t, b.Track(context.Background(), "room"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	select {
	case err := <-done:
		// Run may lose the race with Close and refuse to start.
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
