package timeline

import (
	"context"
	"time"
)

// addOrUpdate is the central add-path algorithm. It dispatches on flow's concrete type and returns
// the diffs produced plus the final index of the item (-1 if the item ended
// up removed rather than placed, e.g. an Update that turned out invisible).
// Callers must hold h.mu.
func (h *Handler) addOrUpdate(ctx context.Context, flow Flow, raw RawEvent, content Content) ([]VectorDiff, int) {
	switch f := flow.(type) {
	case LocalFlow:
		return h.addLocal(f, raw, content)
	case RemoteFlow:
		switch f.Position.(type) {
		case StartPosition:
			return h.addRemoteStart(f, raw, content)
		case EndPosition:
			return h.addRemoteEnd(ctx, f, raw, content)
		case UpdatePosition:
			return h.addRemoteUpdate(f, raw, content)
		}
	}
	return nil, -1
}

// addLocal appends a locally-sent item at the end, inserting a day divider
// first if none exists or the last event item's day differs.
func (h *Handler) addLocal(f LocalFlow, raw RawEvent, content Content) ([]VectorDiff, int) {
	var diffs []VectorDiff

	eventID := h.counter.Next()
	day := dayOf(raw.Timestamp)

	prevDay, hasPrev := h.lastEventDay()
	if !hasPrev || !prevDay.Equal(day) {
		divider := Item{InternalID: h.counter.Next(), Kind: DayDividerKind{Timestamp: day, Owner: eventID}}
		diffs = append(diffs, h.pushBack(divider)...)
	}

	it := Item{
		InternalID: eventID,
		Kind: EventKind{
			Source:        Local{TxnID: f.TxnID, SendState: NotSentYet{}},
			Content:       content,
			Sender:        raw.Sender,
			SenderProfile: raw.Profile,
			Timestamp:     raw.Timestamp,
		},
	}
	diffs = append(diffs, h.pushBack(it)...)
	return diffs, len(h.items) - 1
}

func (h *Handler) lastEventDay() (day time.Time, ok bool) {
	idx := h.lastEventIndex()
	if idx < 0 {
		return time.Time{}, false
	}
	d, _ := h.items[idx].Day()
	return d, true
}

// addRemoteStart inserts a back-paginated item at index 1 (after the leading
// day divider), deduplicating by event id.
func (h *Handler) addRemoteStart(f RemoteFlow, raw RawEvent, content Content) ([]VectorDiff, int) {
	if idx := h.indexByEventID(raw.EventID); idx >= 0 {
		return nil, idx
	}

	var diffs []VectorDiff
	day := dayOf(raw.Timestamp)
	eventID := h.counter.Next()

	insertIdx := 1
	switch {
	case len(h.items) == 0:
		// Empty timeline transiently violates the "leading item is always a
		// day divider" precondition; guard it
		// explicitly rather than indexing into an empty vector.
		divider := Item{InternalID: h.counter.Next(), Kind: DayDividerKind{Timestamp: day, Owner: eventID}}
		diffs = append(diffs, h.pushBack(divider)...)
		insertIdx = 1
	case isLeadingDivider(h.items[0]):
		dd := h.items[0].Kind.(DayDividerKind)
		if !dayOf(dd.Timestamp).Equal(day) {
			updated := Item{InternalID: h.items[0].InternalID, Kind: DayDividerKind{Timestamp: day, Owner: dd.Owner}}
			diffs = append(diffs, h.setAt(0, updated)...)
		}
	default:
		divider := Item{InternalID: h.counter.Next(), Kind: DayDividerKind{Timestamp: day, Owner: eventID}}
		diffs = append(diffs, h.insertAt(0, divider)...)
		insertIdx = 1
	}

	it := Item{
		InternalID: eventID,
		Kind: EventKind{
			Source:        Remote{EventID: raw.EventID, TxnID: f.TxnID},
			Content:       content,
			Sender:        raw.Sender,
			SenderProfile: raw.Profile,
			Timestamp:     raw.Timestamp,
		},
	}
	diffs = append(diffs, h.insertAt(insertIdx, it)...)
	return diffs, insertIdx
}

func isLeadingDivider(it Item) bool {
	_, ok := it.Kind.(DayDividerKind)
	return ok
}

// addRemoteEnd is the live-sync / forward-fill path: it first reconciles
// against any existing item (local echo or duplicate), then places the item
// using the "pending local echoes stick to the bottom" rule.
func (h *Handler) addRemoteEnd(ctx context.Context, f RemoteFlow, raw RawEvent, content Content) ([]VectorDiff, int) {
	var diffs []VectorDiff
	var reuseEventID, reuseDividerID uint64

	idx := -1
	if f.TxnID != "" {
		idx = h.indexByTxnID(f.TxnID)
	}
	if idx < 0 && raw.EventID != "" {
		idx = h.indexByEventID(raw.EventID)
	}

	if idx >= 0 {
		old := h.items[idx]
		oldEvent, _ := old.Event()
		_, oldWasRemote := oldEvent.Source.(Remote)

		if oldWasRemote {
			h.log.Warn(ctx, "timeline: duplicate remote event id", "event_id", raw.EventID)
			if isRedactedContent(oldEvent.Content) && !isRedactedContent(content) {
				// Prefer the redacted form: leave the existing item as-is.
				return nil, idx
			}
		}

		oldDay, _ := old.Day()
		if oldDay.Equal(dayOf(raw.Timestamp)) {
			replacement := Item{
				InternalID: old.InternalID,
				Kind: EventKind{
					Source:        Remote{EventID: raw.EventID, TxnID: f.TxnID},
					Content:       content,
					Sender:        raw.Sender,
					SenderProfile: raw.Profile,
					Timestamp:     raw.Timestamp,
					Reactions:     oldEvent.Reactions,
					Receipts:      oldEvent.Receipts,
				},
			}
			diffs = append(diffs, h.setAt(idx, replacement)...)
			return diffs, idx
		}

		reuseEventID = old.InternalID
		diffs = append(diffs, h.removeAt(idx)...)

		if idx-1 >= 0 && idx-1 < len(h.items) {
			if dd, ok := h.items[idx-1].Kind.(DayDividerKind); ok {
				followingVirtualOrAbsent := idx >= len(h.items) || isVirtual(h.items[idx])
				if dd.Owner == reuseEventID || followingVirtualOrAbsent {
					reuseDividerID = h.items[idx-1].InternalID
					diffs = append(diffs, h.removeAt(idx-1)...)
				}
			}
		}
	}

	lastNonFailed := h.lastNonFailedEventIndex()
	insertIdx := lastNonFailed + 1
	if insertIdx > len(h.items) {
		insertIdx = len(h.items)
	}

	precedingDay, hasPreceding := h.nearestEventDayBefore(insertIdx)
	day := dayOf(raw.Timestamp)

	eventID := reuseEventID
	if eventID == 0 {
		eventID = h.counter.Next()
	}

	if !hasPreceding || !precedingDay.Equal(day) {
		dividerID := reuseDividerID
		if dividerID == 0 {
			dividerID = h.counter.Next()
		}
		divider := Item{InternalID: dividerID, Kind: DayDividerKind{Timestamp: day, Owner: eventID}}
		diffs = append(diffs, h.insertAt(insertIdx, divider)...)
		insertIdx++
	}

	it := Item{
		InternalID: eventID,
		Kind: EventKind{
			Source:        Remote{EventID: raw.EventID, TxnID: f.TxnID},
			Content:       content,
			Sender:        raw.Sender,
			SenderProfile: raw.Profile,
			Timestamp:     raw.Timestamp,
		},
	}
	diffs = append(diffs, h.insertAt(insertIdx, it)...)
	return diffs, insertIdx
}

// addRemoteUpdate overwrites the item at f.Position's index — a
// post-decryption retry — preserving internal_id. If the decrypted event
// should not produce a visible item, the former entry (typically a UTD
// placeholder) is removed instead.
func (h *Handler) addRemoteUpdate(f RemoteFlow, raw RawEvent, content Content) ([]VectorDiff, int) {
	pos := f.Position.(UpdatePosition)
	if pos.Index < 0 || pos.Index >= len(h.items) {
		return nil, -1
	}

	if !f.ShouldAdd {
		diffs := h.removeAt(pos.Index)
		return diffs, -1
	}

	old := h.items[pos.Index]
	oldEvent, _ := old.Event()
	replacement := Item{
		InternalID: old.InternalID,
		Kind: EventKind{
			Source:        Remote{EventID: raw.EventID, TxnID: f.TxnID},
			Content:       content,
			Sender:        raw.Sender,
			SenderProfile: raw.Profile,
			Timestamp:     raw.Timestamp,
			Reactions:     oldEvent.Reactions,
			Receipts:      oldEvent.Receipts,
		},
	}
	diffs := h.setAt(pos.Index, replacement)
	return diffs, pos.Index
}
