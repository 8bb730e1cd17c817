package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"go.matrixcore.dev/core/stream"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into core stream
	// events. Custom decoders can be provided to handle non-standard envelope
	// formats.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "matrixcore_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in JSON
		// decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits core stream events. It
	// wraps a Pulse consumer group and decodes incoming payloads.
	Subscriber struct {
		client Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}

	// decodedEvent implements stream.Event for Pulse-decoded envelopes. The
	// payload is left as raw JSON for the consumer to interpret by Type.
	decodedEvent struct {
		t    stream.EventType
		room string
		b    json.RawMessage
	}
)

func (e decodedEvent) Type() stream.EventType { return e.t }
func (e decodedEvent) RoomID() string         { return e.room }
func (e decodedEvent) Payload() any           { return e.b }

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; SinkName, Buffer, and Decoder default to sensible values
// if not provided.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "matrixcore_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse consumer group on the given stream id and returns
// channels for events and errors. It spawns a goroutine that consumes from
// the group, decodes payloads, and emits stream events. The returned cancel
// function stops consumption, closes the group, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	group, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, group, events, errs)
	cancelFunc := func() {
		cancel()
		group.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads events from the Pulse consumer group, decodes them, and
// emits them on the out channel, acking each after successful emission.
// Closes both channels when the context is cancelled or the group channel
// closes.
func (s *Subscriber) consume(ctx context.Context, group ConsumerGroup, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	in := group.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			decoded, err := s.decode(ev.Payload)
			if err != nil {
				select {
				case errs <- fmt.Errorf("decode pulse envelope: %w", err):
				default:
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- decoded:
			}
			if err := group.Ack(ctx, ev); err != nil {
				select {
				case errs <- fmt.Errorf("ack pulse event: %w", err):
				default:
				}
			}
		}
	}
}

// decodeEnvelope is the default decoder matching the sink's Envelope shape.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type    string          `json:"type"`
		RoomID  string          `json:"room_id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("pulse envelope missing type")
	}
	return decodedEvent{t: stream.EventType(env.Type), room: env.RoomID, b: env.Payload}, nil
}
