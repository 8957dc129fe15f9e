// Package broker bridges the local delivery layer to the shared ordered log
// that carries every envelope between gateway instances.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the log cannot be reached.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrDeliveryFailed is returned by Publish once every attempt has failed.
	ErrDeliveryFailed = errors.New("broker: delivery failed")

	// ErrClosed is returned after shutdown has begun.
	ErrClosed = errors.New("broker: closed")
)

// Record is one entry of a conversation log.
type Record struct {
	Seq  uint64
	Data []byte
}

// Batch holds records of one conversation in increasing seq order.
type Batch struct {
	ConversationID string
	Records        []Record
}

// Log is a set of append-only per-conversation logs. Seq numbers start at 1
// and are gap-free within a conversation.
type Log interface {
	// Append stores data at the end of the conversation log and returns the
	// seq assigned to it.
	Append(ctx context.Context, conv string, data []byte) (uint64, error)

	// Head returns the seq of the last record, or 0 for an empty log.
	Head(ctx context.Context, conv string) (uint64, error)

	// Read returns up to limit records per conversation starting at the seq
	// given in from. When nothing is available it waits up to wait for new
	// records; a non-positive wait returns immediately. A nil result with a
	// nil error means nothing arrived in time.
	Read(ctx context.Context, from map[string]uint64, limit int, wait time.Duration) ([]Batch, error)

	Close() error
}

// Waker is implemented by logs that can end a blocked Read early without the
// reader cancelling its context. Wake must not block.
type Waker interface {
	Wake()
}
