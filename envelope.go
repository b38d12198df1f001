package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is anything that can be handed to Send.
//
// The set of implementations is closed: Payload, Envelope and
// RetryableEnvelope. Send switches on the concrete type instead of
// inspecting the shape of the value at runtime.
type Message interface {
	sealed()
}

// Payload is a raw caller value. It is keyed by its content address
// when it is sent.
type Payload struct {
	Value any
}

// Envelope is the unit exchanged between the supervisor and a worker.
// Key is the only identity used for queueing, acknowledgment and retry
// correlation.
type Envelope struct {
	Key     string
	Message json.RawMessage
}

// RetryState is the per-key attempt bookkeeping of a failed task.
type RetryState struct {
	Attempts      int
	LastAttemptAt time.Time
}

// RetryableEnvelope is an Envelope being redelivered after a failure.
type RetryableEnvelope struct {
	Envelope
	State RetryState
}

func (Payload) sealed()           {}
func (Envelope) sealed()          {}
func (RetryableEnvelope) sealed() {}

// NewEnvelope serializes v and wraps it under key.
func NewEnvelope(key string, v any) (Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("cluster: encode envelope %q: %w", key, err)
	}
	return Envelope{Key: key, Message: b}, nil
}

// Decode unmarshals the envelope message into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Message, v)
}

// Frame is the wire form of a message on a worker channel. Frames are
// written as one JSON object per line.
type Frame struct {
	Key     string          `json:"key"`
	Message json.RawMessage `json:"message"`
	State   *FrameState     `json:"state,omitempty"`
}

// FrameState carries retry provenance; LastAttemptAt is unix milliseconds.
type FrameState struct {
	Attempts      int   `json:"attempts"`
	LastAttemptAt int64 `json:"lastAttemptAt"`
}

// Envelope drops the retry state of the frame.
func (f Frame) Envelope() Envelope {
	return Envelope{Key: f.Key, Message: f.Message}
}

// Retry reports the retry state carried by the frame, if any.
func (f Frame) Retry() (RetryState, bool) {
	if f.State == nil {
		return RetryState{}, false
	}
	return RetryState{
		Attempts:      f.State.Attempts,
		LastAttemptAt: time.UnixMilli(f.State.LastAttemptAt),
	}, true
}

func (e RetryableEnvelope) frame() Frame {
	st := &FrameState{Attempts: e.State.Attempts}
	if !e.State.LastAttemptAt.IsZero() {
		st.LastAttemptAt = e.State.LastAttemptAt.UnixMilli()
	}
	return Frame{Key: e.Key, Message: e.Message, State: st}
}

// seal turns a Message into the frame that goes on the wire. Payloads
// are content-addressed; envelopes keep their key.
func seal(msg Message) (Frame, error) {
	switch m := msg.(type) {
	case nil:
		return Frame{}, ErrNilMessage
	case Payload:
		if m.Value == nil {
			return Frame{}, ErrNilMessage
		}
		b, err := json.Marshal(m.Value)
		if err != nil {
			return Frame{}, fmt.Errorf("cluster: encode payload: %w", err)
		}
		return Frame{Key: AddressBytes(b), Message: b}, nil
	case Envelope:
		if m.Key == "" {
			return Frame{}, ErrEmptyKey
		}
		return Frame{Key: m.Key, Message: m.Message}, nil
	case RetryableEnvelope:
		if m.Key == "" {
			return Frame{}, ErrEmptyKey
		}
		return m.frame(), nil
	default:
		return Frame{}, fmt.Errorf("cluster: unsupported message type %T", msg)
	}
}

// decodeFrame parses one inbound line. Lines that are not an object with
// a string key are delivered untouched as the message of a keyless
// envelope.
func decodeFrame(line []byte) Envelope {
	var probe struct {
		Key     *string         `json:"key"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || probe.Key == nil {
		return Envelope{Message: bytes.Clone(line)}
	}
	return Envelope{Key: *probe.Key, Message: probe.Message}
}
