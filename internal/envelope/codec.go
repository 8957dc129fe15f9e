package envelope

// Each frame is a 4-byte big-endian body length followed by the JSON body.

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const headerSize = 4

// DefaultMaxPayload is used when a codec is created without a positive limit.
const DefaultMaxPayload = 64 << 10

// frameOverhead bounds the JSON metadata around the payload so that a frame
// header can be rejected before its body arrives.
const frameOverhead = 4 << 10

var (
	// ErrMalformed is returned for protocol violations: corrupt bodies,
	// oversized frames, or missing required fields.
	ErrMalformed = errors.New("envelope: malformed")

	// ErrPayloadTooLarge is returned by Encode for payloads above the ceiling.
	ErrPayloadTooLarge = errors.New("envelope: payload too large")
)

// Codec encodes and decodes envelopes. It is stateless and safe for
// concurrent use.
type Codec struct {
	maxPayload int
}

// NewCodec creates a Codec enforcing maxPayload bytes per envelope payload.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{maxPayload: maxPayload}
}

// MaxPayload returns the configured payload ceiling.
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// Validate checks required fields and the payload ceiling.
func (c *Codec) Validate(env Envelope) error {
	switch {
	case env.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case env.ConversationID == "":
		return fmt.Errorf("%w: missing conversationId", ErrMalformed)
	case env.SenderID == "":
		return fmt.Errorf("%w: missing senderId", ErrMalformed)
	case env.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing createdAt", ErrMalformed)
	case len(env.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	case len(env.Payload) > c.maxPayload:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(env.Payload), c.maxPayload)
	}
	return nil
}

// Encode returns the framed wire form of env.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	if err := c.Validate(env); err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decode reads one envelope from the start of buf and returns it with the
// number of bytes consumed. A buffer holding less than a full frame returns
// n == 0 and a nil error: the caller should wait for more data.
func (c *Codec) Decode(buf []byte) (Envelope, int, error) {
	if len(buf) < headerSize {
		return Envelope{}, 0, nil
	}

	size := int(binary.BigEndian.Uint32(buf[:headerSize]))
	if size == 0 {
		return Envelope{}, 0, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if size > c.maxPayload+frameOverhead {
		return Envelope{}, 0, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, size)
	}
	if len(buf) < headerSize+size {
		return Envelope{}, 0, nil
	}

	var env Envelope
	if err := json.Unmarshal(buf[headerSize:headerSize+size], &env); err != nil {
		return Envelope{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := c.Validate(env); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return Envelope{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Envelope{}, 0, err
	}

	return env, headerSize + size, nil
}

// Decoder accumulates bytes arriving in arbitrary fragments and yields whole
// envelopes as they complete.
type Decoder struct {
	codec *Codec
	buf   []byte
}

// NewDecoder creates a streaming decoder over codec.
func NewDecoder(codec *Codec) *Decoder {
	return &Decoder{codec: codec}
}

// Write appends a fragment. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete envelope. ok is false when more data is
// needed. After an error the decoder should be discarded.
func (d *Decoder) Next() (env Envelope, ok bool, err error) {
	env, n, err := d.codec.Decode(d.buf)
	if err != nil {
		return Envelope{}, false, err
	}
	if n == 0 {
		return Envelope{}, false, nil
	}
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return env, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
