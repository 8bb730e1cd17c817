package timeline

import "context"

// applyRedaction combines the two effects of a redaction: detaching a
// redacted reaction from its target's reaction group, and
// replacing a redacted event item's own content, sweeping quoted replies to
// it along the way. A redaction that references missing state is a no-op
// with a debug log, never a failure.
func (h *Handler) applyRedaction(ctx context.Context, redacts string) []VectorDiff {
	var diffs []VectorDiff

	if targetEventID, ok := h.reactionsMap[redacts]; ok {
		diffs = append(diffs, h.detachReaction(targetEventID, redacts)...)
		delete(h.reactionsMap, redacts)
	} else {
		h.purgePendingReaction(redacts)
	}

	idx := h.indexByEventID(redacts)
	if idx < 0 {
		h.log.Debug(ctx, "timeline: redaction targets an event not in the timeline", "event_id", redacts)
		return diffs
	}

	it := h.items[idx]
	ev, ok := it.Event()
	if !ok {
		return diffs
	}
	originalType := "m.room.message"
	ev.Content = RedactedMessageContent{OriginalType: originalType}
	ev.Reactions = nil
	it.Kind = ev
	diffs = append(diffs, h.setAt(idx, it)...)

	for i := range h.items {
		e, ok := h.items[i].Event()
		if !ok {
			continue
		}
		msg, ok := e.Content.(MessageContent)
		if !ok || msg.InReplyTo == nil || msg.InReplyTo.EventID != redacts {
			continue
		}
		msg.InReplyTo = &InReplyTo{EventID: redacts, Content: RedactedMessageContent{OriginalType: originalType}}
		e.Content = msg
		h.items[i].Kind = e
		diffs = append(diffs, h.setAt(i, h.items[i])...)
	}

	return diffs
}

func (h *Handler) detachReaction(targetEventID, reactionID string) []VectorDiff {
	idx := h.indexByEventID(targetEventID)
	if idx < 0 {
		return nil
	}
	it := h.items[idx]
	ev, ok := it.Event()
	if !ok {
		return nil
	}
	reactions := ev.Reactions.Clone()
	for key, group := range reactions {
		if _, ok := group[reactionID]; !ok {
			continue
		}
		delete(group, reactionID)
		if len(group) == 0 {
			delete(reactions, key)
		} else {
			reactions[key] = group
		}
		break
	}
	ev.Reactions = reactions
	it.Kind = ev
	return h.setAt(idx, it)
}

func (h *Handler) purgePendingReaction(reactionID string) {
	for target, set := range h.pending {
		for packed := range set {
			_, id := splitAnnotatedKey(packed)
			if id == reactionID {
				delete(set, packed)
			}
		}
		if len(set) == 0 {
			delete(h.pending, target)
		}
	}
}
