package timeline

import "time"

// indexByEventID returns the index of the item whose Remote.EventID matches,
// or -1. Callers must hold h.mu.
func (h *Handler) indexByEventID(eventID string) int {
	if eventID == "" {
		return -1
	}
	for i, it := range h.items {
		if id, ok := it.EventID(); ok && id == eventID {
			return i
		}
	}
	return -1
}

// indexByTxnID returns the index of the local-echo or remote-echoed item
// carrying txnID, or -1. Callers must hold h.mu.
func (h *Handler) indexByTxnID(txnID string) int {
	if txnID == "" {
		return -1
	}
	for i, it := range h.items {
		if it.TxnID(txnID) {
			return i
		}
	}
	return -1
}

// isVirtual reports whether it is a DayDivider or ReadMarker rather than a
// real event.
func isVirtual(it Item) bool {
	switch it.Kind.(type) {
	case DayDividerKind, ReadMarkerKind:
		return true
	default:
		return false
	}
}

// nearestEventDayBefore scans backward from idx-1 for the nearest event
// item's calendar day. Callers must hold h.mu.
func (h *Handler) nearestEventDayBefore(idx int) (day time.Time, ok bool) {
	for i := idx - 1; i >= 0; i-- {
		if d, isEvt := h.items[i].Day(); isEvt {
			return d, true
		}
	}
	return time.Time{}, false
}

// lastEventIndex returns the index of the last item of any kind that is an
// event, any send state included, or -1.
func (h *Handler) lastEventIndex() int {
	for i := len(h.items) - 1; i >= 0; i-- {
		if _, ok := h.items[i].Event(); ok {
			return i
		}
	}
	return -1
}

// lastNonFailedEventIndex returns the index of the last event item whose
// local send has not failed, or -1.
func (h *Handler) lastNonFailedEventIndex() int {
	for i := len(h.items) - 1; i >= 0; i-- {
		if _, ok := h.items[i].Event(); ok && !isFailedEvent(h.items[i]) {
			return i
		}
	}
	return -1
}

func isRedactedContent(c Content) bool {
	_, ok := c.(RedactedMessageContent)
	return ok
}
