package timeline

import (
	"encoding/json"
	"time"
)

// Flow describes where an input event came from, which selects the add-path
// algorithm the handler applies.
type Flow interface {
	isFlow()
}

// LocalFlow marks an event the client is sending; it is always appended at
// the end of the timeline.
type LocalFlow struct {
	TxnID string
}

func (LocalFlow) isFlow() {}

// RemoteFlow marks an event that arrived from sync or pagination.
type RemoteFlow struct {
	EventID string
	// TxnID, if non-empty, is our own local echo's transaction id, letting
	// the handler reconcile this remote event with a pending local item.
	TxnID string
	// Position selects the add-path variant: Start (back-pagination), End
	// (live sync or forward-fill), or Update (post-decryption retry of an
	// item already in the timeline).
	Position Position
	// ShouldAdd carries the upstream filter decision on whether a decrypted
	// event actually produces a visible item (e.g. a decrypted reaction does
	// not). When false the Update path removes rather than overwrites.
	ShouldAdd bool
}

func (RemoteFlow) isFlow() {}

// Position is the closed sum of insertion strategies for a RemoteFlow event.
type Position interface {
	isPosition()
}

// StartPosition inserts near the front of the timeline: back-pagination.
type StartPosition struct{}

func (StartPosition) isPosition() {}

// EndPosition inserts near the back of the timeline: live sync, or a
// forward-fill from cache.
type EndPosition struct {
	FromCache bool
}

func (EndPosition) isPosition() {}

// UpdatePosition overwrites the item already at Index: a post-decryption
// retry of a previously undecryptable event.
type UpdatePosition struct {
	Index int
}

func (UpdatePosition) isPosition() {}

// RawEvent is the decoded input event the handler dispatches on. Decryption, redaction application, and
// relation bundling have already happened upstream; RawEvent only carries
// what the reducer needs to decide which content variant to produce.
type RawEvent struct {
	EventID   string
	Sender    string
	Profile   SenderProfile
	Timestamp time.Time
	Kind      RawEventKind
}

// RawEventKind is the closed set of event shapes the handler understands.
type RawEventKind interface {
	isRawEventKind()
}

type (
	// MessageEvent is a non-redacted m.room.message (or similar) event, not
	// yet classified as plain/edit/reaction/UTD — HandleEvent does that.
	MessageEvent struct {
		Body      string
		Encrypted bool
		RelatesTo *RelatesTo
		Reactions []BundledReaction
		// RawJSON is the event's raw serialized form, attached verbatim to an
		// edit's resulting item as latest_edit_json.
		RawJSON json.RawMessage
	}

	// RedactedMessageEvent is an event that arrived already redacted.
	// OriginalType names the event type it used to be, so reaction-typed
	// redacted events can be suppressed.
	RedactedMessageEvent struct {
		OriginalType string
	}

	// RedactionEvent is an m.room.redaction.
	RedactionEvent struct {
		Redacts string
	}

	// RoomMemberEvent is an m.room.member state change.
	RoomMemberEvent struct {
		Summary string
	}

	// OtherStateEvent is any other room state event.
	OtherStateEvent struct {
		Type    string
		Summary string
	}

	// FailedToParseEvent marks an event this client could not interpret.
	FailedToParseEvent struct {
		Type string
		Err  string
	}
)

func (MessageEvent) isRawEventKind()         {}
func (RedactedMessageEvent) isRawEventKind() {}
func (RedactionEvent) isRawEventKind()       {}
func (RoomMemberEvent) isRawEventKind()      {}
func (OtherStateEvent) isRawEventKind()      {}
func (FailedToParseEvent) isRawEventKind()   {}

// RelationType distinguishes the two relation kinds the handler special-cases.
type RelationType int

const (
	// RelationNone means the message is not a reaction or an edit.
	RelationNone RelationType = iota
	// RelationAnnotation marks a reaction (m.annotation with rel_type
	// m.annotation and an emoji Key).
	RelationAnnotation
	// RelationReplacement marks a message-edit (m.replace).
	RelationReplacement
)

// RelatesTo is the bundled relation metadata used to classify a MessageEvent.
type RelatesTo struct {
	Type    RelationType
	EventID string
	// Key is the annotation key (e.g. an emoji) for RelationAnnotation.
	Key string
}

// BundledReaction is a reaction aggregation bundled directly onto the
// message event by the homeserver's aggregation API, hydrated when the
// message is first added.
type BundledReaction struct {
	Key        string
	ReactionID string
	Sender     string
	Timestamp  time.Time
}
