package verification

import (
	"context"
	"time"

	"go.matrixcore.dev/core/telemetry"
)

// Incoming is one decoded verification message, either a to-device event or
// an in-room event — the flow id unifies the two bindings.
type Incoming struct {
	Flow         FlowID
	Type         string
	SenderUserID string
	SenderDevice string
	Content      map[string]any
}

// Receiver folds incoming verification messages into the Cache, driving the
// per-flow state machine and collecting the outgoing messages each
// transition decides to emit. A start from an unexpected device, a start
// with an unsupported method and a duplicate start emit a cancel to the peer
// and move the flow to Cancelled; other out-of-order messages are warned and
// dropped. Protocol violations are never Go errors.
type Receiver struct {
	cache       Cache
	ownUserID   string
	ownDeviceID string
	methods     []string

	log telemetry.Logger
	met telemetry.Metrics
}

// ReceiverOption configures optional collaborators of a Receiver.
type ReceiverOption func(*Receiver)

// WithLogger overrides the receiver's logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) ReceiverOption { return func(r *Receiver) { r.log = l } }

// WithMetrics overrides the receiver's metrics sink; defaults to telemetry.NoopMetrics.
func WithMetrics(m telemetry.Metrics) ReceiverOption { return func(r *Receiver) { r.met = m } }

// NewReceiver constructs a Receiver for our own (user, device) advertising
// the given SAS methods.
func NewReceiver(cache Cache, ownUserID, ownDeviceID string, methods []string, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		cache:       cache,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		methods:     methods,
		log:         telemetry.NoopLogger{},
		met:         telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive processes one incoming message at the given time, returning the
// outgoing messages to queue. Malformed content and messages that make no
// sense for the flow's current state are warned and dropped.
func (r *Receiver) Receive(ctx context.Context, msg Incoming, now time.Time) ([]Outgoing, error) {
	if err := ValidateContent(msg.Type, msg.Content); err != nil {
		r.log.Warn(ctx, "verification: dropping malformed message", "type", msg.Type, "err", err)
		r.met.IncCounter("verification.malformed_message", 1, "type", msg.Type)
		return nil, nil
	}

	switch msg.Type {
	case "m.key.verification.request":
		return r.receiveRequest(ctx, msg, now)
	case "m.key.verification.ready":
		return r.receiveReady(ctx, msg)
	case "m.key.verification.start":
		return r.receiveStart(ctx, msg)
	case "m.key.verification.cancel":
		return r.receiveCancel(ctx, msg)
	case "m.key.verification.done":
		return r.receiveDone(ctx, msg)
	}
	return nil, nil
}

func (r *Receiver) receiveRequest(ctx context.Context, msg Incoming, now time.Time) ([]Outgoing, error) {
	_, exists, err := r.cache.Get(ctx, msg.Flow)
	if err != nil {
		return nil, err
	}
	if exists {
		r.log.Warn(ctx, "verification: duplicate request for known flow", "flow", msg.Flow.Key())
		return nil, nil
	}
	methods := stringSlice(msg.Content["methods"])
	device, _ := msg.Content["from_device"].(string)
	state := NewRequested(msg.Flow, msg.SenderUserID, device, methods, now)
	return nil, r.cache.Put(ctx, msg.Flow, state)
}

func (r *Receiver) receiveReady(ctx context.Context, msg Incoming) ([]Outgoing, error) {
	state, exists, err := r.cache.Get(ctx, msg.Flow)
	if err != nil {
		return nil, err
	}
	if !exists {
		r.log.Warn(ctx, "verification: ready for unknown flow", "flow", msg.Flow.Key())
		return nil, nil
	}
	device, _ := msg.Content["from_device"].(string)
	methods := stringSlice(msg.Content["methods"])

	switch s := state.(type) {
	case Created:
		ready := s.ReceiveReady(msg.SenderUserID, device, methods)
		return nil, r.cache.Put(ctx, msg.Flow, ready)
	case Requested:
		// A ready from one of our own other devices means that device won
		// the flow; we stand down.
		if msg.SenderUserID == r.ownUserID && device != r.ownDeviceID {
			return nil, r.cache.Put(ctx, msg.Flow, s.ObservePassive())
		}
		r.log.Warn(ctx, "verification: ready on a flow the peer initiated", "flow", msg.Flow.Key())
		return nil, nil
	default:
		r.log.Warn(ctx, "verification: ready in unexpected state", "flow", msg.Flow.Key())
		return nil, nil
	}
}

func (r *Receiver) receiveStart(ctx context.Context, msg Incoming) ([]Outgoing, error) {
	state, exists, err := r.cache.Get(ctx, msg.Flow)
	if err != nil {
		return nil, err
	}
	if !exists {
		r.log.Warn(ctx, "verification: start for unknown flow", "flow", msg.Flow.Key())
		return nil, nil
	}
	device, _ := msg.Content["from_device"].(string)
	method, _ := msg.Content["method"].(string)

	switch s := state.(type) {
	case Ready:
		next, out := s.ReceiveStart(device, method, r.methods)
		if err := r.cache.Put(ctx, msg.Flow, next); err != nil {
			return nil, err
		}
		if _, cancelled := next.(Cancelled); cancelled {
			r.met.IncCounter("verification.cancelled", 1, "reason", "bad_start")
			return []Outgoing{out}, nil
		}
		return nil, nil
	case Started:
		cancelled, out := s.ReceiveDuplicateStart()
		if err := r.cache.Put(ctx, msg.Flow, cancelled); err != nil {
			return nil, err
		}
		r.met.IncCounter("verification.cancelled", 1, "reason", "duplicate_start")
		return []Outgoing{out}, nil
	default:
		// A start before Ready is dropped, not cancelled; the conservative
		// stance the protocol's peers expect.
		r.log.Warn(ctx, "verification: start before ready, dropping", "flow", msg.Flow.Key())
		return nil, nil
	}
}

func (r *Receiver) receiveCancel(ctx context.Context, msg Incoming) ([]Outgoing, error) {
	state, exists, err := r.cache.Get(ctx, msg.Flow)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	switch state.(type) {
	case Done, Cancelled:
		return nil, nil
	}
	code, _ := msg.Content["code"].(string)
	reason, _ := msg.Content["reason"].(string)
	cancelled := Cancelled{
		base:   newBase(state.FlowID(), state.CreatedAt()),
		Code:   CancelCode(code),
		Reason: reason,
	}
	return nil, r.cache.Put(ctx, msg.Flow, cancelled)
}

func (r *Receiver) receiveDone(ctx context.Context, msg Incoming) ([]Outgoing, error) {
	state, exists, err := r.cache.Get(ctx, msg.Flow)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	s, ok := state.(Started)
	if !ok {
		r.log.Warn(ctx, "verification: done before start", "flow", msg.Flow.Key())
		return nil, nil
	}
	return nil, r.cache.Put(ctx, msg.Flow, s.Complete())
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
