// Package timeline implements the Timeline Event Handler: a
// deterministic reducer that folds an unordered, out-of-order, possibly
// duplicated stream of room events into an ordered, observable list of
// user-visible items. It owns day dividers, the read marker, reactions,
// redactions, edits, and local-echo reconciliation.
package timeline

import (
	"encoding/json"
	"time"
)

// Item is one entry of the observable timeline vector. InternalID is
// assigned once at insertion and is stable across content mutations — it is
// the handle external observers use to track an item.
type Item struct {
	InternalID uint64
	Kind       ItemKind
}

// ItemKind is the closed sum of virtual and real timeline items. The
// unexported marker keeps the set closed to this package's variants.
type ItemKind interface {
	isItemKind()
}

// DayDividerKind is the virtual item separating events of different
// calendar days. Owner is the internal id of the event item this divider
// was inserted for. Recording the owner explicitly lets removal decide whether a
// divider belongs to the item being removed without guessing from its
// neighbors.
type DayDividerKind struct {
	Timestamp time.Time
	Owner     uint64
}

func (DayDividerKind) isItemKind() {}

// ReadMarkerKind is the virtual item marking the user's fully-read position.
type ReadMarkerKind struct{}

func (ReadMarkerKind) isItemKind() {}

// EventKind is a real, user-visible event item.
type EventKind struct {
	Source        EventSource
	Content       Content
	Sender        string
	SenderProfile SenderProfile
	Timestamp     time.Time
	Reactions     Reactions
	Receipts      []Receipt
}

func (EventKind) isItemKind() {}

// SenderProfile carries the display metadata attached to an event item at
// render time; the room-model layer that resolves it is out of scope.
type SenderProfile struct {
	DisplayName string
	AvatarURL   string
}

// Receipt is an explicit read receipt attached directly to the event item it
// targets.
type Receipt struct {
	UserID    string
	Timestamp time.Time
}

// EventSource distinguishes a locally-sent event awaiting server echo from
// one that arrived from the server.
type EventSource interface {
	isEventSource()
}

// Local is the source of an item created optimistically by send(), pending
// reconciliation with the server echo.
type Local struct {
	TxnID     string
	SendState SendState
}

func (Local) isEventSource() {}

// Remote is the source of an item that arrived from sync or pagination.
// TxnID is set when the event is our own local echo's server-assigned id,
// enabling by-transaction-id reconciliation.
type Remote struct {
	EventID string
	TxnID   string
}

func (Remote) isEventSource() {}

// SendState is the user-visible outcome of a local send.
type SendState interface {
	isSendState()
}

type (
	// NotSentYet is the initial send state of a local echo.
	NotSentYet struct{}
	// Sent marks a local echo that has been acknowledged by the server;
	// in practice local items transition directly to Remote on echo and
	// this state is only observed transiently.
	Sent struct{}
	// Failed marks a local echo that failed permanently.
	Failed struct{ Reason string }
)

func (NotSentYet) isSendState() {}
func (Sent) isSendState()       {}
func (Failed) isSendState()     {}

// Content is the closed sum of event item content variants.
type Content interface {
	isContent()
}

type (
	// MessageContent is a normal, decrypted message.
	MessageContent struct {
		Body           string
		Edited         bool
		LatestEditJSON json.RawMessage
		InReplyTo      *InReplyTo
	}

	// UnableToDecryptContent marks an encrypted event the crypto primitives
	// could not decrypt. It is a content variant,
	// never an error.
	UnableToDecryptContent struct{}

	// RedactedMessageContent replaces the content of a redacted event.
	RedactedMessageContent struct {
		OriginalType string
	}

	// StateChangeContent covers m.room.member and other state events.
	StateChangeContent struct {
		Type    string
		Summary string
	}

	// FailedToParseContent marks an event whose shape this client does not
	// understand.
	FailedToParseContent struct {
		Type string
		Err  string
	}
)

func (MessageContent) isContent()         {}
func (UnableToDecryptContent) isContent() {}
func (RedactedMessageContent) isContent() {}
func (StateChangeContent) isContent()     {}
func (FailedToParseContent) isContent()   {}

// InReplyTo quotes the content of a replied-to event at send time; it is
// swapped for a redacted placeholder if the quoted event is later redacted.
type InReplyTo struct {
	EventID string
	Content Content
}

// Reactions indexes an event item's reaction groups by annotation key
// (typically an emoji).
type Reactions map[string]ReactionGroup

// ReactionGroup maps a reaction event id to the sender data for that single
// reaction.
type ReactionGroup map[string]ReactionSenderData

// ReactionSenderData is the sender and time of one reaction annotation.
type ReactionSenderData struct {
	Sender    string
	Timestamp time.Time
}

// Clone returns a copy of r safe to mutate independently; the reaction path
// mutates the clone, never the shared map.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for key, group := range r {
		g := make(ReactionGroup, len(group))
		for id, data := range group {
			g[id] = data
		}
		out[key] = g
	}
	return out
}

// Event returns it's EventKind, if it is one.
func (it Item) Event() (EventKind, bool) {
	e, ok := it.Kind.(EventKind)
	return e, ok
}

// EventID returns the remote event id of it, if any.
func (it Item) EventID() (string, bool) {
	e, ok := it.Kind.(EventKind)
	if !ok {
		return "", false
	}
	r, ok := e.Source.(Remote)
	if !ok || r.EventID == "" {
		return "", false
	}
	return r.EventID, true
}

// TxnID reports whether it carries txnID, either as a pending local echo's
// transaction id or as a remote echo's originating one.
func (it Item) TxnID(txnID string) bool {
	e, ok := it.Kind.(EventKind)
	if !ok {
		return false
	}
	switch s := e.Source.(type) {
	case Local:
		return s.TxnID == txnID
	case Remote:
		return s.TxnID == txnID && txnID != ""
	}
	return false
}

// Day returns the calendar day (truncated to midnight UTC) of it, if it is
// an event item.
func (it Item) Day() (time.Time, bool) {
	e, ok := it.Kind.(EventKind)
	if !ok {
		return time.Time{}, false
	}
	return dayOf(e.Timestamp), true
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// isFailedEvent reports whether it is an event item whose local send failed.
func isFailedEvent(it Item) bool {
	e, ok := it.Kind.(EventKind)
	if !ok {
		return false
	}
	l, ok := e.Source.(Local)
	if !ok {
		return false
	}
	_, failed := l.SendState.(Failed)
	return failed
}
