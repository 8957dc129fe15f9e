package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Log = (*RedisLog)(nil)

// appendScript assigns the next seq and stores the record under stream id
// <seq>-0 in one step, so concurrent gateways never interleave a counter
// increment with another gateway's add.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local id = seq .. '-0'
local maxlen = tonumber(ARGV[2])
if maxlen > 0 then
  redis.call('XADD', KEYS[2], 'MAXLEN', '~', maxlen, id, 'd', ARGV[1])
else
  redis.call('XADD', KEYS[2], id, 'd', ARGV[1])
end
return seq
`)

const (
	dataField = "d"

	defaultPollInterval = 50 * time.Millisecond
	wakeTTL             = time.Hour
	wakeTimeout         = 2 * time.Second
)

// RedisConfig configures a RedisLog.
type RedisConfig struct {
	// Prefix namespaces the keys of every conversation.
	Prefix string
	// MaxLen trims each stream approximately to this many entries. Zero keeps
	// everything.
	MaxLen int64
	// PerStreamReads reads every conversation with its own XREAD in one
	// pipeline and polls instead of blocking. It is always on for cluster
	// clients, where one XREAD cannot span conversations in different slots.
	PerStreamReads bool
	// PollInterval is the pause between polls when PerStreamReads is on.
	PollInterval time.Duration
	Logger       *zap.Logger
}

// RedisLog stores each conversation as a Redis stream together with a
// counter key. Both keys of a conversation share a hash tag so the append
// script runs in one cluster slot. A blocking read also watches a private
// wake stream, so Wake can end it without cancelling the command.
type RedisLog struct {
	client       redis.UniversalClient
	prefix       string
	maxLen       int64
	perStream    bool
	pollInterval time.Duration
	logger       *zap.Logger

	wakeKey  string
	kick     chan struct{}
	stop     chan struct{}
	wakeDone chan struct{}
	once     sync.Once

	mu       sync.Mutex
	lastWake string
}

// NewRedisLog wraps client. The log takes ownership of the client and closes
// it on Close.
func NewRedisLog(client redis.UniversalClient, cfg RedisConfig) *RedisLog {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gochat"
	}
	perStream := cfg.PerStreamReads
	if _, ok := client.(*redis.ClusterClient); ok {
		perStream = true
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &RedisLog{
		client:       client,
		prefix:       prefix,
		maxLen:       cfg.MaxLen,
		perStream:    perStream,
		pollInterval: poll,
		logger:       logger,
		wakeKey:      fmt.Sprintf("%s:wake:%s", prefix, uuid.NewString()),
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		wakeDone:     make(chan struct{}),
		lastWake:     "0-0",
	}
	if perStream {
		close(l.wakeDone)
	} else {
		go l.wakeLoop()
	}
	return l
}

func (l *RedisLog) seqKey(conv string) string {
	return fmt.Sprintf("{%s:%s}:seq", l.prefix, conv)
}

func (l *RedisLog) streamKey(conv string) string {
	return fmt.Sprintf("{%s:%s}:log", l.prefix, conv)
}

// Append implements Log.
func (l *RedisLog) Append(ctx context.Context, conv string, data []byte) (uint64, error) {
	keys := []string{l.seqKey(conv), l.streamKey(conv)}
	seq, err := appendScript.Run(ctx, l.client, keys, data, l.maxLen).Uint64()
	if err != nil {
		return 0, fmt.Errorf("%w: append to %s: %v", ErrUnavailable, conv, err)
	}
	return seq, nil
}

// Head implements Log.
func (l *RedisLog) Head(ctx context.Context, conv string) (uint64, error) {
	seq, err := l.client.Get(ctx, l.seqKey(conv)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: head of %s: %v", ErrUnavailable, conv, err)
	}
	return seq, nil
}

// Wake implements Waker. Wakes arriving while one is pending are coalesced.
func (l *RedisLog) Wake() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *RedisLog) wakeLoop() {
	defer close(l.wakeDone)
	for {
		select {
		case <-l.stop:
			return
		case <-l.kick:
		}

		ctx, cancel := context.WithTimeout(context.Background(), wakeTimeout)
		_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: l.wakeKey, MaxLen: 1, Values: []string{"w", "1"}})
			pipe.PExpire(ctx, l.wakeKey, wakeTTL)
			return nil
		})
		cancel()
		if err != nil {
			l.logger.Warn("failed to wake redis reader", zap.String("key", l.wakeKey), zap.Error(err))
		}
	}
}

func lastID(next uint64) string {
	last := uint64(0)
	if next > 0 {
		last = next - 1
	}
	return strconv.FormatUint(last, 10) + "-0"
}

// Read implements Log. On a single node every stream is read with one
// blocking XREAD; with PerStreamReads each conversation gets its own XREAD.
func (l *RedisLog) Read(ctx context.Context, from map[string]uint64, limit int, wait time.Duration) ([]Batch, error) {
	if len(from) == 0 {
		return nil, nil
	}
	if l.perStream {
		return l.poll(ctx, from, limit, wait)
	}

	convs := make(map[string]string, len(from))
	streams := make([]string, 0, 2*len(from)+2)
	ids := make([]string, 0, len(from)+1)
	for conv, next := range from {
		key := l.streamKey(conv)
		convs[key] = conv
		streams = append(streams, key)
		ids = append(ids, lastID(next))
	}
	l.mu.Lock()
	streams = append(streams, l.wakeKey)
	ids = append(ids, l.lastWake)
	l.mu.Unlock()
	streams = append(streams, ids...)

	// go-redis treats Block 0 as "block forever" and negative as no BLOCK.
	block := wait
	if block <= 0 {
		block = -1
	}

	res, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   int64(limit),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read: %v", ErrUnavailable, err)
	}

	for _, stream := range res {
		if stream.Stream == l.wakeKey && len(stream.Messages) > 0 {
			l.mu.Lock()
			l.lastWake = stream.Messages[len(stream.Messages)-1].ID
			l.mu.Unlock()
		}
	}
	return collect(convs, res)
}

// poll reads each conversation with a non-blocking XREAD in one pipeline,
// repeating every poll interval until records arrive, wait elapses or Wake
// is called.
func (l *RedisLog) poll(ctx context.Context, from map[string]uint64, limit int, wait time.Duration) ([]Batch, error) {
	deadline := time.Now().Add(wait)
	for {
		batches, err := l.readEach(ctx, from, limit)
		if err != nil || len(batches) > 0 || wait <= 0 {
			return batches, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(l.pollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-l.kick:
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

func (l *RedisLog) readEach(ctx context.Context, from map[string]uint64, limit int) ([]Batch, error) {
	convs := make(map[string]string, len(from))
	cmds := make([]*redis.XStreamSliceCmd, 0, len(from))
	// Per-command errors are inspected below; the pipeline error only repeats
	// the first of them.
	_, _ = l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for conv, next := range from {
			key := l.streamKey(conv)
			convs[key] = conv
			cmds = append(cmds, pipe.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID(next)},
				Count:   int64(limit),
				Block:   -1,
			}))
		}
		return nil
	})

	var res []redis.XStream
	for _, cmd := range cmds {
		streams, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: read: %v", ErrUnavailable, err)
		}
		res = append(res, streams...)
	}
	return collect(convs, res)
}

// collect turns XREAD results into batches. Streams not in convs are
// skipped.
func collect(convs map[string]string, res []redis.XStream) ([]Batch, error) {
	batches := make([]Batch, 0, len(res))
	for _, stream := range res {
		conv, ok := convs[stream.Stream]
		if !ok || len(stream.Messages) == 0 {
			continue
		}
		batch := Batch{ConversationID: conv, Records: make([]Record, 0, len(stream.Messages))}
		for _, msg := range stream.Messages {
			rec, err := parseMessage(msg)
			if err != nil {
				return nil, fmt.Errorf("%w: stream %s: %v", ErrUnavailable, stream.Stream, err)
			}
			batch.Records = append(batch.Records, rec)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func parseMessage(msg redis.XMessage) (Record, error) {
	head, _, ok := strings.Cut(msg.ID, "-")
	if !ok {
		return Record{}, fmt.Errorf("unexpected entry id %q", msg.ID)
	}
	seq, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("entry id %q: %w", msg.ID, err)
	}
	var data []byte
	switch v := msg.Values[dataField].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Record{}, fmt.Errorf("entry %s has no %q field", msg.ID, dataField)
	}
	return Record{Seq: seq, Data: data}, nil
}

// Ping checks connectivity.
func (l *RedisLog) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Log.
func (l *RedisLog) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.wakeDone
	if !l.perStream {
		ctx, cancel := context.WithTimeout(context.Background(), wakeTimeout)
		_ = l.client.Del(ctx, l.wakeKey).Err()
		cancel()
	}
	return l.client.Close()
}
