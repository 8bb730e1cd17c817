package timeline

import (
	"context"
	"encoding/json"
	"strings"
)

// applyEdit locates the target by replacement.event_id and, if the sender
// matches and the target is a message item, replaces its content with the
// sanitized replacement body. A sender mismatch
// or a non-message target is rejected with a warning, not an error.
func (h *Handler) applyEdit(ctx context.Context, raw RawEvent, targetEventID, newBody string, rawJSON json.RawMessage) []VectorDiff {
	idx := h.indexByEventID(targetEventID)
	if idx < 0 {
		h.log.Warn(ctx, "timeline: edit targets unknown event", "event_id", targetEventID)
		return nil
	}

	it := h.items[idx]
	ev, ok := it.Event()
	if !ok {
		h.log.Warn(ctx, "timeline: edit targets a non-event item", "event_id", targetEventID)
		return nil
	}
	if ev.Sender != raw.Sender {
		h.log.Warn(ctx, "timeline: edit from a different sender than the original, ignoring", "event_id", targetEventID, "sender", raw.Sender)
		return nil
	}
	msg, ok := ev.Content.(MessageContent)
	if !ok {
		h.log.Warn(ctx, "timeline: edit targets a non-message item, ignoring", "event_id", targetEventID)
		return nil
	}

	ev.Content = MessageContent{
		Body:           sanitizeReplyFallback(newBody),
		Edited:         true,
		LatestEditJSON: rawJSON,
		InReplyTo:      msg.InReplyTo,
	}
	it.Kind = ev
	return h.setAt(idx, it)
}

// sanitizeReplyFallback strips the leading quoted-reply block a client
// prepends to a message body (lines starting with "> " up to the first
// blank line), matching the client's own send-time fallback-stripping
// behavior.
func sanitizeReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	if i == 0 {
		return body
	}
	for i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
