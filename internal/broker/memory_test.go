package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogAppendAndHead(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)

	head, err := log.Head(ctx, "room")
	require.NoError(t, err)
	assert.Zero(t, head)

	for want := uint64(1); want <= 3; want++ {
		seq, err := log.Append(ctx, "room", []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	seq, err := log.Append(ctx, "other", []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "seq is per conversation")

	head, err = log.Head(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
}

func TestMemoryLogRead(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(0)
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "room", []byte{byte(i)})
		require.NoError(t, err)
	}

	t.Run("from position with limit", func(t *testing.T) {
		batches, err := log.Read(ctx, map[string]uint64{"room": 2}, 2, 0)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Equal(t, "room", batches[0].ConversationID)
		require.Len(t, batches[0].Records, 2)
		assert.Equal(t, uint64(2), batches[0].Records[0].Seq)
		assert.Equal(t, uint64(3), batches[0].Records[1].Seq)
	})

	t.Run("nothing new returns immediately", func(t *testing.T) {
		batches, err := log.Read(ctx, map[string]uint64{"room": 6}, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, batches)
	})

	t.Run("wait times out", func(t *testing.T) {
		start := time.Now()
		batches, err := log.Read(ctx, map[string]uint64{"room": 6}, 10, 30*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, batches)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("wait wakes on append", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = log.Append(ctx, "room", []byte("late"))
		}()
		batches, err := log.Read(ctx, map[string]uint64{"room": 6}, 10, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Equal(t, uint64(6), batches[0].Records[0].Seq)
		assert.Equal(t, []byte("late"), batches[0].Records[0].Data)
	})

	t.Run("context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := log.Read(cctx, map[string]uint64{"room": 100}, 10, 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryLogTrim(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(2)
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, "room", []byte{byte(i)})
		require.NoError(t, err)
	}

	batches, err := log.Read(ctx, map[string]uint64{"room": 1}, 0, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Records, 2)
	assert.Equal(t, uint64(3), batches[0].Records[0].Seq)

	seq, err := log.Append(ctx, "room", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq, "trimming does not reset numbering")
}

func TestMemoryLogClose(t *testing.T) {
	log := NewMemoryLog(0)
	done := make(chan error, 1)
	go func() {
		_, err := log.Read(context.Background(), map[string]uint64{"room": 1}, 1, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader was not released by Close")
	}

	_, err := log.Append(context.Background(), "room", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}
