package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var _ CursorStore = (*BadgerCursors)(nil)

// BadgerConfig configures a BadgerCursors store.
type BadgerConfig struct {
	Dir        string
	InMemory   bool
	NodeID     string
	GCInterval time.Duration
	Logger     *zap.Logger
}

// BadgerCursors persists delivery cursors in BadgerDB under
// cursor/<node>/<conversation>, each value an 8-byte big-endian seq.
type BadgerCursors struct {
	db     *badger.DB
	prefix string
	logger *zap.Logger
	// valueLogGC is db.RunValueLogGC outside of tests.
	valueLogGC func(discardRatio float64) error

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// OpenBadgerCursors opens or creates the store.
func OpenBadgerCursors(cfg BadgerConfig) (*BadgerCursors, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("badger cursors: node id is required")
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Cursors may lag after a crash; redelivery is deduplicated downstream.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cursors: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &BadgerCursors{
		db:         db,
		prefix:     "cursor/" + cfg.NodeID + "/",
		logger:     logger,
		valueLogGC: db.RunValueLogGC,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	go s.runGC(interval, !cfg.InMemory)
	return s, nil
}

func (s *BadgerCursors) key(conv string) []byte {
	return []byte(s.prefix + conv)
}

// Load implements CursorStore.
func (s *BadgerCursors) Load(ctx context.Context, conv string) (uint64, bool, error) {
	var seq uint64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(conv))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("cursor %s: corrupt value of %d bytes", conv, len(val))
			}
			seq = binary.BigEndian.Uint64(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("%w: load cursor: %v", ErrUnavailable, err)
	}
	return seq, found, nil
}

// Commit implements CursorStore.
func (s *BadgerCursors) Commit(ctx context.Context, conv string, seq uint64) error {
	key := s.key(conv)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var current uint64
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					current = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
			if current >= seq {
				return nil
			}
		}

		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, seq)
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("%w: commit cursor: %v", ErrUnavailable, err)
	}
	return nil
}

// Close stops value log GC and closes the database.
func (s *BadgerCursors) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

func (s *BadgerCursors) runGC(interval time.Duration, enabled bool) {
	defer close(s.gcDone)
	if !enabled {
		<-s.gcStopCh
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.collectGarbage()
		case <-s.gcStopCh:
			return
		}
	}
}

// collectGarbage rewrites value log files until badger reports there is
// nothing left to reclaim.
func (s *BadgerCursors) collectGarbage() {
	for {
		err := s.valueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			return
		default:
			s.logger.Warn("cursor value log gc failed", zap.Error(err))
			return
		}
	}
}
