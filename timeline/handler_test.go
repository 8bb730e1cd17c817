package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func day(offset int) time.Time {
	return time.Date(2024, 1, 1+offset, 12, 0, 0, 0, time.UTC)
}

func TestLocalEchoReconciliation(t *testing.T) {
	h := New()

	h.HandleEvent(ctx, LocalFlow{TxnID: "t1"}, RawEvent{
		Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "hello"},
	})

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	_, isDivider := snap[0].Kind.(DayDividerKind)
	require.True(t, isDivider)
	localEvent, ok := snap[1].Event()
	require.True(t, ok)
	_, isLocal := localEvent.Source.(Local)
	require.True(t, isLocal)
	localInternalID := snap[1].InternalID

	h.HandleEvent(ctx, RemoteFlow{EventID: "$e1", TxnID: "t1", Position: EndPosition{}}, RawEvent{
		EventID: "$e1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "hello"},
	})

	snap = h.Snapshot()
	require.Len(t, snap, 2, "local echo should be replaced in place, not appended")
	require.Equal(t, localInternalID, snap[1].InternalID)
	ev, ok := snap[1].Event()
	require.True(t, ok)
	remote, ok := ev.Source.(Remote)
	require.True(t, ok)
	require.Equal(t, "$e1", remote.EventID)
	msg, ok := ev.Content.(MessageContent)
	require.True(t, ok)
	require.Equal(t, "hello", msg.Body)
}

func TestBackPaginatedEventAlreadySeen(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, RemoteFlow{EventID: "$e1", Position: EndPosition{}}, RawEvent{
		EventID: "$e1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "one"},
	})
	before := h.Snapshot()

	diffs := h.HandleEvent(ctx, RemoteFlow{EventID: "$e1", Position: StartPosition{}}, RawEvent{
		EventID: "$e1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "one"},
	})
	require.Nil(t, diffs, "re-delivering a seen event must be a no-op")
	require.Equal(t, before, h.Snapshot())

	h.HandleEvent(ctx, RemoteFlow{EventID: "$e0", Position: StartPosition{}}, RawEvent{
		EventID: "$e0", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "zero"},
	})

	snap := h.Snapshot()
	require.Len(t, snap, 3)
	eid, ok := snap[1].EventID()
	require.True(t, ok)
	require.Equal(t, "$e0", eid, "back-paginated event inserted at index 1")
	eid, ok = snap[2].EventID()
	require.True(t, ok)
	require.Equal(t, "$e1", eid)
}

func TestEditFromWrongSenderIsRejected(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, RemoteFlow{EventID: "$e1", Position: EndPosition{}}, RawEvent{
		EventID: "$e1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "hi"},
	})
	before := h.Snapshot()

	diffs := h.HandleEvent(ctx, RemoteFlow{EventID: "$e2", Position: EndPosition{}}, RawEvent{
		EventID: "$e2", Sender: "@bob:example.org", Timestamp: day(0),
		Kind: MessageEvent{
			Body:      "bye",
			RelatesTo: &RelatesTo{Type: RelationReplacement, EventID: "$e1"},
		},
	})

	require.Nil(t, diffs)
	snap := h.Snapshot()
	require.Len(t, snap, len(before))
	ev, _ := snap[1].Event()
	msg, ok := ev.Content.(MessageContent)
	require.True(t, ok)
	require.Equal(t, "hi", msg.Body)
	require.False(t, msg.Edited)
}

func TestReactionThenRedaction(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, RemoteFlow{EventID: "$msg", Position: EndPosition{}}, RawEvent{
		EventID: "$msg", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "hi"},
	})
	h.HandleEvent(ctx, RemoteFlow{EventID: "$r", Position: EndPosition{}}, RawEvent{
		EventID: "$r", Sender: "@bob:example.org", Timestamp: day(0),
		Kind: MessageEvent{
			RelatesTo: &RelatesTo{Type: RelationAnnotation, EventID: "$msg", Key: "👍"},
		},
	})

	snap := h.Snapshot()
	ev, _ := snap[1].Event()
	require.Len(t, ev.Reactions, 1)
	require.Len(t, ev.Reactions["👍"], 1)
	require.Contains(t, h.reactionsMap, "$r")

	h.HandleEvent(ctx, RemoteFlow{EventID: "$redact", Position: EndPosition{}}, RawEvent{
		EventID: "$redact", Sender: "@bob:example.org", Timestamp: day(0),
		Kind: RedactionEvent{Redacts: "$r"},
	})

	snap = h.Snapshot()
	ev, _ = snap[1].Event()
	require.Empty(t, ev.Reactions["👍"])
	require.NotContains(t, h.reactionsMap, "$r")
}

func TestPendingReactionHydratesOnLateArrival(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, RemoteFlow{EventID: "$r", Position: EndPosition{}}, RawEvent{
		EventID: "$r", Sender: "@bob:example.org", Timestamp: day(0),
		Kind: MessageEvent{
			RelatesTo: &RelatesTo{Type: RelationAnnotation, EventID: "$msg", Key: "👍"},
		},
	})
	require.Empty(t, h.Snapshot())

	h.HandleEvent(ctx, RemoteFlow{EventID: "$msg", Position: EndPosition{}}, RawEvent{
		EventID: "$msg", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "hi"},
	})

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	ev, _ := snap[1].Event()
	require.Len(t, ev.Reactions["👍"], 1)
}

func TestDayDividerInsertedOnDayChange(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, RemoteFlow{EventID: "$a", Position: EndPosition{}}, RawEvent{
		EventID: "$a", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "day0"},
	})
	h.HandleEvent(ctx, RemoteFlow{EventID: "$b", Position: EndPosition{}}, RawEvent{
		EventID: "$b", Sender: "@alice:example.org", Timestamp: day(1),
		Kind: MessageEvent{Body: "day1"},
	})

	snap := h.Snapshot()
	require.Len(t, snap, 4)
	_, ok := snap[0].Kind.(DayDividerKind)
	require.True(t, ok)
	_, ok = snap[2].Kind.(DayDividerKind)
	require.True(t, ok, "a new divider must separate the two days")
}

func TestFailedLocalEchoSticksAboveIncomingRemote(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, LocalFlow{TxnID: "t1"}, RawEvent{
		Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "will fail"},
	})

	h.mu.Lock()
	idx := h.lastEventIndex()
	ev, _ := h.items[idx].Event()
	ev.Source = Local{TxnID: "t1", SendState: Failed{Reason: "network error"}}
	h.items[idx].Kind = ev
	h.mu.Unlock()

	h.HandleEvent(ctx, RemoteFlow{EventID: "$e2", Position: EndPosition{}}, RawEvent{
		EventID: "$e2", Sender: "@bob:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "incoming"},
	})

	snap := h.Snapshot()
	// The new remote item must be inserted before the failed local echo.
	failedIdx := -1
	remoteIdx := -1
	for i, it := range snap {
		if isFailedEvent(it) {
			failedIdx = i
		}
		if eid, ok := it.EventID(); ok && eid == "$e2" {
			remoteIdx = i
		}
	}
	require.GreaterOrEqual(t, failedIdx, 0)
	require.GreaterOrEqual(t, remoteIdx, 0)
	require.Less(t, remoteIdx, failedIdx, "remote items insert before the stuck failed local echo")
}

func TestReadMarkerNeverMovesBackwards(t *testing.T) {
	h := New()
	for i, id := range []string{"$a", "$b", "$c", "$d"} {
		h.HandleEvent(ctx, RemoteFlow{EventID: id, Position: EndPosition{}}, RawEvent{
			EventID: id, Sender: "@alice:example.org", Timestamp: day(0).Add(time.Duration(i) * time.Minute),
			Kind: MessageEvent{Body: id},
		})
	}

	h.UpdateReadMarker(ctx, "$b")
	snap := h.Snapshot()
	markerIdx := -1
	for i, it := range snap {
		if _, ok := it.Kind.(ReadMarkerKind); ok {
			markerIdx = i
		}
	}
	require.GreaterOrEqual(t, markerIdx, 0)
	firstMarkerInternalID := snap[markerIdx].InternalID

	h.UpdateReadMarker(ctx, "$a")
	snap = h.Snapshot()
	newMarkerIdx := -1
	for i, it := range snap {
		if _, ok := it.Kind.(ReadMarkerKind); ok {
			newMarkerIdx = i
		}
	}
	require.Equal(t, markerIdx, newMarkerIdx, "marker must not move backwards")

	h.UpdateReadMarker(ctx, "$c")
	snap = h.Snapshot()
	for i, it := range snap {
		if _, ok := it.Kind.(ReadMarkerKind); ok {
			require.Equal(t, firstMarkerInternalID, it.InternalID, "marker internal id reused across moves")
			require.Greater(t, i, markerIdx)
		}
	}
}

func TestClearPurgesPendingReactions(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, RemoteFlow{EventID: "$r", Position: EndPosition{}}, RawEvent{
		EventID: "$r", Sender: "@bob:example.org", Timestamp: day(0),
		Kind: MessageEvent{RelatesTo: &RelatesTo{Type: RelationAnnotation, EventID: "$msg", Key: "👍"}},
	})
	require.NotEmpty(t, h.pending)

	h.Clear(ctx)
	require.Empty(t, h.pending)
	require.Empty(t, h.Snapshot())
}

func TestReceiptIndexFallsBackToNearestVisibleEvent(t *testing.T) {
	r := NewReceiptIndex()
	r.Observe("$a", true)
	r.Observe("$filtered", false)
	r.Observe("$b", true)

	r.SetReceipt("@alice:example.org", "$filtered")
	visible, ok := r.VisibleReceipt("@alice:example.org")
	require.True(t, ok)
	require.Equal(t, "$a", visible)

	real, ok := r.RealReceipt("@alice:example.org")
	require.True(t, ok)
	require.Equal(t, "$filtered", real)
}

func TestUndecryptableEventBecomesUTDItem(t *testing.T) {
	h := New()

	h.HandleEvent(ctx, RemoteFlow{EventID: "$u1", Position: EndPosition{FromCache: true}}, RawEvent{
		EventID: "$u1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Encrypted: true},
	})

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	_, isDivider := snap[0].Kind.(DayDividerKind)
	require.True(t, isDivider)
	ev, ok := snap[1].Event()
	require.True(t, ok)
	_, isUTD := ev.Content.(UnableToDecryptContent)
	require.True(t, isUTD, "an undecryptable event is a content variant, not an error")
}

func TestDecryptionRetryReplacesUTDInPlace(t *testing.T) {
	h := New()

	h.HandleEvent(ctx, RemoteFlow{EventID: "$u1", Position: EndPosition{}}, RawEvent{
		EventID: "$u1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Encrypted: true},
	})
	utdIndex := 1
	utdInternalID := h.Snapshot()[utdIndex].InternalID

	h.HandleEvent(ctx, RemoteFlow{EventID: "$u1", Position: UpdatePosition{Index: utdIndex}, ShouldAdd: true}, RawEvent{
		EventID: "$u1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "now readable"},
	})

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, utdInternalID, snap[utdIndex].InternalID)
	ev, _ := snap[utdIndex].Event()
	msg, ok := ev.Content.(MessageContent)
	require.True(t, ok)
	require.Equal(t, "now readable", msg.Body)
}

func TestDecryptedReactionRemovesUTDEntry(t *testing.T) {
	h := New()

	h.HandleEvent(ctx, RemoteFlow{EventID: "$u1", Position: EndPosition{}}, RawEvent{
		EventID: "$u1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Encrypted: true},
	})
	require.Len(t, h.Snapshot(), 2)

	h.HandleEvent(ctx, RemoteFlow{EventID: "$u1", Position: UpdatePosition{Index: 1}, ShouldAdd: false}, RawEvent{
		EventID: "$u1", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: ""},
	})

	snap := h.Snapshot()
	require.Len(t, snap, 1, "the former UTD entry is removed when the decrypted event is invisible")
}

func TestReadMarkerPlacedOnceTargetArrives(t *testing.T) {
	h := New()
	h.HandleEvent(ctx, RemoteFlow{EventID: "$a", Position: EndPosition{}}, RawEvent{
		EventID: "$a", Sender: "@alice:example.org", Timestamp: day(0),
		Kind: MessageEvent{Body: "a"},
	})

	// The fully-read event is not in the timeline yet: no marker appears.
	diffs := h.UpdateReadMarker(ctx, "$b")
	require.Empty(t, diffs)
	for _, it := range h.Snapshot() {
		_, isMarker := it.Kind.(ReadMarkerKind)
		require.False(t, isMarker)
	}

	// $b arrives but nothing follows it: the marker would sit at the very
	// end, so placement stays suppressed.
	h.HandleEvent(ctx, RemoteFlow{EventID: "$b", Position: EndPosition{}}, RawEvent{
		EventID: "$b", Sender: "@alice:example.org", Timestamp: day(0).Add(time.Minute),
		Kind: MessageEvent{Body: "b"},
	})
	for _, it := range h.Snapshot() {
		_, isMarker := it.Kind.(ReadMarkerKind)
		require.False(t, isMarker)
	}

	// A later item justifies the marker: the pending recompute places it
	// right after $b without another UpdateReadMarker call.
	h.HandleEvent(ctx, RemoteFlow{EventID: "$c", Position: EndPosition{}}, RawEvent{
		EventID: "$c", Sender: "@alice:example.org", Timestamp: day(0).Add(2 * time.Minute),
		Kind: MessageEvent{Body: "c"},
	})

	snap := h.Snapshot()
	markerIdx := -1
	bIdx := -1
	for i, it := range snap {
		if _, ok := it.Kind.(ReadMarkerKind); ok {
			markerIdx = i
		}
		if id, ok := it.EventID(); ok && id == "$b" {
			bIdx = i
		}
	}
	require.Equal(t, bIdx+1, markerIdx, "marker lands right after the fully-read event")
}
