package timeline

import "context"

// UpdateReadMarker recomputes the read-marker item's position given the
// newly fully-read event id. The marker never moves backwards and is
// suppressed (kept pending) rather than placed at the very end of the
// timeline.
func (h *Handler) UpdateReadMarker(ctx context.Context, fullyReadEventID string) []VectorDiff {
	h.mu.Lock()
	diffs := h.updateReadMarkerLocked(fullyReadEventID)
	h.mu.Unlock()

	h.broadcast(ctx, diffs)
	return diffs
}

func (h *Handler) updateReadMarkerLocked(fullyReadEventID string) []VectorDiff {
	h.fullyReadEventID = fullyReadEventID

	from := h.markerIndex()
	to := -1
	if idx := h.indexByEventID(fullyReadEventID); idx >= 0 {
		to = idx + 1
	}

	switch {
	case from < 0 && to < 0:
		h.fullyReadPending = true
		return nil

	case from < 0 && to >= 0:
		if to >= len(h.items) {
			h.fullyReadPending = true
			return nil
		}
		h.fullyReadPending = false
		return h.insertAt(to, Item{InternalID: h.markerInternalID(), Kind: ReadMarkerKind{}})

	case from >= 0 && to < 0:
		// Keep the flag set; nothing to recompute toward yet.
		h.fullyReadPending = true
		return nil

	default: // from >= 0 && to >= 0
		if from >= to {
			// The marker never moves backwards.
			return nil
		}
		diffs := h.removeAt(from)
		newTo := to - 1
		if newTo >= len(h.items) {
			h.fullyReadPending = true
			return diffs
		}
		h.fullyReadPending = false
		diffs = append(diffs, h.insertAt(newTo, Item{InternalID: h.markerInternalID(), Kind: ReadMarkerKind{}})...)
		return diffs
	}
}

func (h *Handler) markerIndex() int {
	for i, it := range h.items {
		if _, ok := it.Kind.(ReadMarkerKind); ok {
			return i
		}
	}
	return -1
}

func (h *Handler) markerInternalID() uint64 {
	if h.readMarkerOwner == 0 {
		h.readMarkerOwner = h.counter.Next()
	}
	return h.readMarkerOwner
}
