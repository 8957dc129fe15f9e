package envelope

// JSON frames exchanged with clients over the WebSocket.

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameType names client and server frame kinds.
type FrameType string

// Client to server.
const (
	FrameJoin       FrameType = "join"
	FrameLeave      FrameType = "leave"
	FrameSend       FrameType = "send"
	FrameDisconnect FrameType = "disconnect"
)

// Server to client.
const (
	FrameMessage  FrameType = "message"
	FramePresence FrameType = "presence"
	FrameError    FrameType = "error"
)

// Error codes carried in ErrorDetail.Code.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeMalformed       = "malformed_envelope"
	CodeDeliveryFailed  = "delivery_failed"
	CodeSlowConsumer    = "slow_consumer"
	CodeRateLimited     = "rate_limited"
	CodeNotActive       = "not_active"
	CodeSubscribeFailed = "subscribe_failed"
)

// ClientFrame is a frame sent by a client.
type ClientFrame struct {
	Type           FrameType       `json:"type"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ClientMsgID    string          `json:"clientMsgId,omitempty"`
}

// ErrorDetail describes a failure reported to a client.
type ErrorDetail struct {
	Code           string `json:"code"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// ServerFrame is a frame sent to a client. Exactly one of Envelope and Error
// is set.
type ServerFrame struct {
	Type     FrameType    `json:"type"`
	Envelope *Envelope    `json:"envelope,omitempty"`
	Error    *ErrorDetail `json:"errorDetail,omitempty"`
}

// DeliveryFrame wraps env in a message or presence frame according to its kind.
func DeliveryFrame(env Envelope) ServerFrame {
	frameType := FrameMessage
	if env.IsPresence() {
		frameType = FramePresence
	}
	return ServerFrame{Type: frameType, Envelope: &env}
}

// ErrorFrame builds an error frame.
func ErrorFrame(detail ErrorDetail) ServerFrame {
	return ServerFrame{Type: FrameError, Error: &detail}
}

// ParseClientFrame decodes and validates a client frame. Every failure wraps
// ErrMalformed.
func ParseClientFrame(data []byte, maxPayload int) (ClientFrame, error) {
	var frame ClientFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&frame); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return ClientFrame{}, fmt.Errorf("%w: trailing data after frame", ErrMalformed)
	}

	switch frame.Type {
	case FrameJoin, FrameLeave:
		if frame.ConversationID == "" {
			return ClientFrame{}, fmt.Errorf("%w: %s requires conversationId", ErrMalformed, frame.Type)
		}
	case FrameSend:
		if frame.ConversationID == "" {
			return ClientFrame{}, fmt.Errorf("%w: send requires conversationId", ErrMalformed)
		}
		if len(frame.Payload) == 0 {
			return ClientFrame{}, fmt.Errorf("%w: send requires payload", ErrMalformed)
		}
		if maxPayload > 0 && len(frame.Payload) > maxPayload {
			return ClientFrame{}, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformed, len(frame.Payload), maxPayload)
		}
	case FrameDisconnect:
	default:
		return ClientFrame{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformed, frame.Type)
	}

	return frame, nil
}
