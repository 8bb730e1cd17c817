package timeline

import (
	"context"
	"sync"

	"go.matrixcore.dev/core/internal/idgen"
	"go.matrixcore.dev/core/telemetry"
)

// Handler is the Timeline Event Handler: the single writer of
// one room's observable item vector, invoked under its own lock. Construct one per room.
type Handler struct {
	mu    sync.Mutex
	items []Item

	counter *idgen.Counter

	// reactionsMap is the reverse lookup from a reaction event id to the
	// event id it targets, kept alongside each item's Reactions group so
	// redactions can find their target in O(1).
	reactionsMap map[string]string

	// pending buffers reaction ids that arrived before their target event,
	// keyed by target event id.
	pending map[string]map[string]ReactionSenderData

	receipts *ReceiptIndex

	fullyReadEventID string
	// fullyReadPending is set whenever a marker recompute could not place
	// the marker (target not visible yet, or would land at the very end)
	// and must be retried once the timeline changes further.
	fullyReadPending bool
	readMarkerOwner  uint64 // internal id reused across marker moves, 0 if none placed

	subMu sync.Mutex
	subs  []chan VectorDiff

	log telemetry.Logger
	met telemetry.Metrics
}

// Option configures optional collaborators of a Handler.
type Option func(*Handler)

// WithLogger overrides the handler's logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(h *Handler) { h.log = l } }

// WithMetrics overrides the handler's metrics sink; defaults to telemetry.NoopMetrics.
func WithMetrics(m telemetry.Metrics) Option { return func(h *Handler) { h.met = m } }

// New constructs an empty Handler for a single room.
func New(opts ...Option) *Handler {
	h := &Handler{
		counter:      &idgen.Counter{},
		reactionsMap: make(map[string]string),
		pending:      make(map[string]map[string]ReactionSenderData),
		receipts:     NewReceiptIndex(),
		log:          telemetry.NoopLogger{},
		met:          telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Snapshot returns a copy of the current item vector, safe to read without
// holding the handler's lock.
func (h *Handler) Snapshot() []Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Item, len(h.items))
	copy(out, h.items)
	return out
}

// Subscribe registers a new diff observer. The returned channel receives
// every VectorDiff the handler produces from this point on; the returned
// cancel func unregisters it. Channels are buffered and a slow subscriber
// has diffs dropped (logged) rather than stalling the writer: timeline
// mutation never blocks on an observer.
func (h *Handler) Subscribe(ctx context.Context) (<-chan VectorDiff, func()) {
	ch := make(chan VectorDiff, 64)
	h.subMu.Lock()
	h.subs = append(h.subs, ch)
	h.subMu.Unlock()

	cancel := func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, s := range h.subs {
			if s == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (h *Handler) broadcast(ctx context.Context, diffs []VectorDiff) {
	if len(diffs) == 0 {
		return
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		for _, d := range diffs {
			select {
			case ch <- d:
			default:
				h.log.Warn(ctx, "timeline: dropping diff for slow subscriber")
			}
		}
	}
}

// newInternalID returns a fresh internal id, or reuses want if it is
// non-zero.
func (h *Handler) newInternalID(want uint64) uint64 {
	if want != 0 {
		return want
	}
	return h.counter.Next()
}

// --- slice mutation primitives: every caller must hold h.mu ---

func (h *Handler) pushBack(it Item) []VectorDiff {
	h.items = append(h.items, it)
	return []VectorDiff{PushBack{Item: it}}
}

func (h *Handler) insertAt(idx int, it Item) []VectorDiff {
	h.items = append(h.items, Item{})
	copy(h.items[idx+1:], h.items[idx:])
	h.items[idx] = it
	if idx == 0 {
		return []VectorDiff{PushFront{Item: it}}
	}
	return []VectorDiff{Insert{Index: idx, Item: it}}
}

func (h *Handler) setAt(idx int, it Item) []VectorDiff {
	h.items[idx] = it
	return []VectorDiff{Set{Index: idx, Item: it}}
}

func (h *Handler) removeAt(idx int) []VectorDiff {
	h.items = append(h.items[:idx], h.items[idx+1:]...)
	return []VectorDiff{Remove{Index: idx}}
}

// Clear empties the timeline and purges per-target pending-reaction buffers.
func (h *Handler) Clear(ctx context.Context) {
	h.mu.Lock()
	h.items = nil
	h.reactionsMap = make(map[string]string)
	h.pending = make(map[string]map[string]ReactionSenderData)
	h.fullyReadEventID = ""
	h.fullyReadPending = false
	h.readMarkerOwner = 0
	h.mu.Unlock()

	h.broadcast(ctx, []VectorDiff{ClearDiff{}})
}
