package timeline

import "time"

// applyReaction locates the target event by relates_to.event_id and attaches
// the annotation, or buffers it in pending if the target has not arrived yet.
func (h *Handler) applyReaction(flow Flow, raw RawEvent, targetEventID, key string) []VectorDiff {
	var txnID string
	switch f := flow.(type) {
	case LocalFlow:
		txnID = f.TxnID
	case RemoteFlow:
		txnID = f.TxnID
	}

	idx := h.indexByEventID(targetEventID)
	if idx < 0 {
		h.bufferPendingReaction(targetEventID, reactionKeyFor(raw.EventID, txnID), raw.Sender, raw.Timestamp, key)
		if raw.EventID != "" {
			h.reactionsMap[raw.EventID] = targetEventID
		}
		return nil
	}

	return h.hydrateReactionWithTxn(idx, key, raw.EventID, raw.Sender, raw.Timestamp, txnID)
}

func reactionKeyFor(eventID, txnID string) string {
	if eventID != "" {
		return eventID
	}
	return "txn:" + txnID
}

func (h *Handler) bufferPendingReaction(targetEventID, reactionID, sender string, ts time.Time, key string) {
	set, ok := h.pending[targetEventID]
	if !ok {
		set = make(map[string]ReactionSenderData)
		h.pending[targetEventID] = set
	}
	set[annotatedKey(key, reactionID)] = ReactionSenderData{Sender: sender, Timestamp: ts}
}

// annotatedKey packs the annotation key into the pending buffer's id so
// draining can reconstruct which reaction group each buffered id belongs to.
func annotatedKey(key, reactionID string) string {
	return key + "\x00" + reactionID
}

func splitAnnotatedKey(packed string) (key, reactionID string) {
	for i := 0; i < len(packed); i++ {
		if packed[i] == 0 {
			return packed[:i], packed[i+1:]
		}
	}
	return "", packed
}

// hydrateReaction attaches a bundled reaction to the item already at idx, at
// message-add time.
func (h *Handler) hydrateReaction(idx int, key, reactionID, sender string, ts time.Time) []VectorDiff {
	return h.hydrateReactionWithTxn(idx, key, reactionID, sender, ts, "")
}

func (h *Handler) hydrateReactionWithTxn(idx int, key, reactionID, sender string, ts time.Time, txnID string) []VectorDiff {
	it := h.items[idx]
	ev, ok := it.Event()
	if !ok {
		return nil
	}

	reactions := ev.Reactions.Clone()
	if reactions == nil {
		reactions = make(Reactions)
	}
	group := reactions[key]
	if group == nil {
		group = make(ReactionGroup)
	}
	if txnID != "" {
		// The reaction arrived with a matching transaction id: drop our own
		// prior local-echo reaction under this key first.
		delete(group, reactionKeyFor("", txnID))
	}
	id := reactionKeyFor(reactionID, txnID)
	group[id] = ReactionSenderData{Sender: sender, Timestamp: ts}
	reactions[key] = group

	ev.Reactions = reactions
	it.Kind = ev

	if reactionID != "" {
		if eventID, ok := it.EventID(); ok {
			h.reactionsMap[reactionID] = eventID
		}
	}

	// Drain pending reactions buffered for this target before it arrived.
	if eventID, ok := it.EventID(); ok {
		if pending, ok := h.pending[eventID]; ok {
			for packed, data := range pending {
				pk, pid := splitAnnotatedKey(packed)
				g := reactions[pk]
				if g == nil {
					g = make(ReactionGroup)
				}
				g[pid] = data
				reactions[pk] = g
			}
			delete(h.pending, eventID)
			ev.Reactions = reactions
			it.Kind = ev
		}
	}

	return h.setAt(idx, it)
}
