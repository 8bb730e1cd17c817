package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.matrixcore.dev/core/stream"
)

type (
	// SinkOptions configures the Pulse sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `room/<RoomID>`, or `crypto` for events with no room.
		StreamID func(stream.Event) (string, error)
		// MarshalEnvelope allows overriding the envelope serialization
		// (primarily for tests).
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Sink publishes core events into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client   Client
		streamID func(stream.Event) (string, error)
		marshal  func(Envelope) ([]byte, error)
	}

	// Envelope wraps core events for transmission over Pulse streams.
	Envelope struct {
		// Type identifies the event kind (e.g. "timeline_diff").
		Type string `json:"type"`
		// RoomID scopes the event to a room; empty for crypto traffic.
		RoomID string `json:"room_id,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations if not provided.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  defaultMarshal,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		s.marshal = opts.MarshalEnvelope
	}
	return s, nil
}

// Send publishes the event to the derived Pulse stream: it derives the
// stream id, wraps the event in an envelope, marshals it to JSON, and
// publishes it via the Pulse client.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(event.Type()),
		RoomID:    event.RoomID(),
		Timestamp: time.Now().UTC(),
		Payload:   event.Payload(),
	}
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink, delegating to the underlying
// Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's room, or
// routes room-less events (key claims, to-device verification) to a shared
// crypto stream.
func defaultStreamID(event stream.Event) (string, error) {
	if room := event.RoomID(); room != "" {
		return fmt.Sprintf("room/%s", room), nil
	}
	return "crypto", nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
