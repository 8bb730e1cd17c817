package timeline

import "context"

// HandleEvent folds one input event into the timeline according to flow and
// raw.Kind, dispatching on the closed set of event kinds, and returns the
// diffs produced. It is the entry point for room events; UpdateReadMarker,
// ApplyReceipt and Clear also mutate the timeline, and all of them take h.mu.
func (h *Handler) HandleEvent(ctx context.Context, flow Flow, raw RawEvent) []VectorDiff {
	h.mu.Lock()
	diffs := h.handleLocked(ctx, flow, raw)
	if raw.EventID != "" {
		h.receipts.Observe(raw.EventID, h.indexByEventID(raw.EventID) >= 0)
	}
	// A marker recompute that could not place the marker earlier (target not
	// visible yet, or it would have landed at the very end) is retried after
	// every add: the event just folded in may be the one that justifies it.
	if h.fullyReadPending && h.fullyReadEventID != "" {
		diffs = append(diffs, h.updateReadMarkerLocked(h.fullyReadEventID)...)
	}
	h.mu.Unlock()

	h.broadcast(ctx, diffs)
	return diffs
}

func (h *Handler) handleLocked(ctx context.Context, flow Flow, raw RawEvent) []VectorDiff {
	switch k := raw.Kind.(type) {
	case MessageEvent:
		return h.handleMessage(ctx, flow, raw, k)

	case RedactedMessageEvent:
		if k.OriginalType == "m.reaction" {
			// Suppressed for reactions: a redacted reaction never had its
			// own timeline item.
			return nil
		}
		diffs, _ := h.addOrUpdate(ctx, flow, raw, RedactedMessageContent{OriginalType: k.OriginalType})
		return diffs

	case RedactionEvent:
		return h.applyRedaction(ctx, k.Redacts)

	case RoomMemberEvent:
		diffs, _ := h.addOrUpdate(ctx, flow, raw, StateChangeContent{Type: "m.room.member", Summary: k.Summary})
		return diffs

	case OtherStateEvent:
		diffs, _ := h.addOrUpdate(ctx, flow, raw, StateChangeContent{Type: k.Type, Summary: k.Summary})
		return diffs

	case FailedToParseEvent:
		diffs, _ := h.addOrUpdate(ctx, flow, raw, FailedToParseContent{Type: k.Type, Err: k.Err})
		return diffs

	default:
		return nil
	}
}

// handleMessage classifies an m.room.message-shaped event into the reaction,
// edit, UTD, or plain-message path.
func (h *Handler) handleMessage(ctx context.Context, flow Flow, raw RawEvent, k MessageEvent) []VectorDiff {
	if k.RelatesTo != nil {
		switch k.RelatesTo.Type {
		case RelationAnnotation:
			return h.applyReaction(flow, raw, k.RelatesTo.EventID, k.RelatesTo.Key)
		case RelationReplacement:
			return h.applyEdit(ctx, raw, k.RelatesTo.EventID, k.Body, k.RawJSON)
		}
	}

	if k.Encrypted {
		diffs, _ := h.addOrUpdate(ctx, flow, raw, UnableToDecryptContent{})
		return diffs
	}

	diffs, idx := h.addOrUpdate(ctx, flow, raw, MessageContent{Body: k.Body})
	if idx < 0 {
		return diffs
	}
	// Hydrate reactions that were buffered before this event arrived.
	if pending, ok := h.pending[raw.EventID]; ok {
		it := h.items[idx]
		ev, _ := it.Event()
		ev.Reactions = ev.Reactions.Clone()
		for packed, data := range pending {
			key, id := splitAnnotatedKey(packed)
			if ev.Reactions[key] == nil {
				ev.Reactions[key] = make(ReactionGroup)
			}
			ev.Reactions[key][id] = data
		}
		delete(h.pending, raw.EventID)
		it.Kind = ev
		diffs = append(diffs, h.setAt(idx, it)...)
	}
	for _, br := range k.Reactions {
		diffs = append(diffs, h.hydrateReaction(idx, br.Key, br.ReactionID, br.Sender, br.Timestamp)...)
	}
	return diffs
}
