package timeline

import (
	"context"
	"sync"
	"time"
)

// ReceiptIndex implements filter-aware implicit read-receipt placement: a
// user's explicit receipt on an event filtered out of the
// visible timeline is mapped to the most recent visible event at or before
// that real target. It keeps two views: the real receipt (by event id) and
// the visible receipt (by timeline item).
type ReceiptIndex struct {
	mu sync.Mutex

	// order lists every event id this room has observed, oldest first,
	// independent of whether it produced a visible timeline item.
	order   []string
	pos     map[string]int
	visible map[string]bool

	// real is each user's most recently reported explicit receipt target.
	real map[string]string
}

// NewReceiptIndex constructs an empty ReceiptIndex.
func NewReceiptIndex() *ReceiptIndex {
	return &ReceiptIndex{
		pos:     make(map[string]int),
		visible: make(map[string]bool),
		real:    make(map[string]string),
	}
}

// Observe records that eventID was processed and whether it produced a
// visible timeline item. Call this for every event, filtered or not, in
// arrival order.
func (r *ReceiptIndex) Observe(eventID string, isVisible bool) {
	if eventID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pos[eventID]; !ok {
		r.pos[eventID] = len(r.order)
		r.order = append(r.order, eventID)
	}
	if isVisible {
		r.visible[eventID] = true
	}
}

// SetReceipt records userID's explicit receipt against eventID, the "real"
// view.
func (r *ReceiptIndex) SetReceipt(userID, eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.real[userID] = eventID
}

// RealReceipt returns userID's most recently reported receipt target,
// regardless of visibility.
func (r *ReceiptIndex) RealReceipt(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eventID, ok := r.real[userID]
	return eventID, ok
}

// VisibleReceipt maps userID's real receipt to the nearest visible event at
// or before it, the "visible" view the timeline actually renders a receipt
// against.
func (r *ReceiptIndex) VisibleReceipt(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.real[userID]
	if !ok {
		return "", false
	}
	idx, ok := r.pos[target]
	if !ok {
		return "", false
	}
	for i := idx; i >= 0; i-- {
		if r.visible[r.order[i]] {
			return r.order[i], true
		}
	}
	return "", false
}

// ApplyReceipt updates userID's receipt and, if it maps to a visible event,
// attaches it to that event item. It returns the diffs
// produced, if any.
func (h *Handler) ApplyReceipt(ctx context.Context, userID, eventID string, ts time.Time) []VectorDiff {
	h.mu.Lock()
	h.receipts.SetReceipt(userID, eventID)
	visibleID, ok := h.receipts.VisibleReceipt(userID)
	var diffs []VectorDiff
	if ok {
		if idx := h.indexByEventID(visibleID); idx >= 0 {
			it := h.items[idx]
			ev, _ := it.Event()
			receipts := make([]Receipt, 0, len(ev.Receipts)+1)
			for _, r := range ev.Receipts {
				if r.UserID != userID {
					receipts = append(receipts, r)
				}
			}
			receipts = append(receipts, Receipt{UserID: userID, Timestamp: ts})
			ev.Receipts = receipts
			it.Kind = ev
			diffs = h.setAt(idx, it)
		}
	}
	h.mu.Unlock()

	h.broadcast(ctx, diffs)
	return diffs
}
