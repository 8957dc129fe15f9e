// Package envelope defines the unit of transport shared by the broker log and
// the client sockets, together with its length-prefixed wire codec.
package envelope

import (
	"encoding/json"
	"time"
)

// Kind distinguishes chat envelopes from presence envelopes travelling on the
// same conversation log.
type Kind string

const (
	KindMessage  Kind = "message"
	KindPresence Kind = "presence"
)

// Envelope is immutable once published. Seq is assigned by the broker log on
// append and is zero on envelopes that have not been published yet.
type Envelope struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Seq            uint64          `json:"seq"`
	CreatedAt      time.Time       `json:"createdAt"`
	Kind           Kind            `json:"kind,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// IsPresence reports whether the envelope carries a presence transition.
func (e Envelope) IsPresence() bool {
	return e.Kind == KindPresence
}
