// Package stream defines the event types the core publishes for
// out-of-process observers: timeline vector diffs, pagination status
// changes, verification transitions, and outgoing-request notifications.
// The pulse subpackage provides a Redis-backed Sink and Subscriber for
// these events.
package stream

import (
	"context"

	"go.matrixcore.dev/core/timeline"
	"go.matrixcore.dev/core/verification"
)

type (
	// EventType identifies the kind of a published event.
	EventType string

	// Event is a single observable occurrence. RoomID is empty for events
	// that are not scoped to a room (crypto traffic, verification flows
	// bound to a to-device transaction).
	Event interface {
		Type() EventType
		RoomID() string
		Payload() any
	}

	// Sink publishes events for consumption outside the process that
	// produced them. Implementations must be safe for concurrent Send.
	Sink interface {
		Send(ctx context.Context, event Event) error
		Close(ctx context.Context) error
	}
)

const (
	// EventTimelineDiff notifies observers of one mutation of a room's
	// timeline item vector.
	EventTimelineDiff EventType = "timeline_diff"
	// EventPaginationStatus notifies observers of a change in a room's
	// pagination status.
	EventPaginationStatus EventType = "pagination_status"
	// EventVerificationTransition notifies observers that a verification
	// flow changed state.
	EventVerificationTransition EventType = "verification_transition"
	// EventOutgoingRequest notifies observers that the core enqueued an
	// outgoing request for the transport.
	EventOutgoingRequest EventType = "outgoing_request"
)

// TimelineDiff is a cross-process notification of one VectorDiff. It
// carries the mutation shape and the affected item's internal id, not the
// item content: observers resolve content through their own timeline
// snapshot, keeping the published payload small and stable.
type TimelineDiff struct {
	Room string `json:"-"`
	// Op is the diff constructor name: push_back, push_front, insert, set,
	// remove or clear.
	Op         string `json:"op"`
	Index      int    `json:"index,omitempty"`
	InternalID uint64 `json:"internal_id,omitempty"`
}

// Type implements Event.
func (TimelineDiff) Type() EventType { return EventTimelineDiff }

// RoomID implements Event.
func (d TimelineDiff) RoomID() string { return d.Room }

// Payload implements Event.
func (d TimelineDiff) Payload() any { return d }

// DiffOf converts a timeline.VectorDiff into its publishable form.
func DiffOf(room string, diff timeline.VectorDiff) TimelineDiff {
	out := TimelineDiff{Room: room}
	switch d := diff.(type) {
	case timeline.PushBack:
		out.Op = "push_back"
		out.InternalID = d.Item.InternalID
	case timeline.PushFront:
		out.Op = "push_front"
		out.InternalID = d.Item.InternalID
	case timeline.Insert:
		out.Op = "insert"
		out.Index = d.Index
		out.InternalID = d.Item.InternalID
	case timeline.Set:
		out.Op = "set"
		out.Index = d.Index
		out.InternalID = d.Item.InternalID
	case timeline.Remove:
		out.Op = "remove"
		out.Index = d.Index
	case timeline.ClearDiff:
		out.Op = "clear"
	}
	return out
}

// PaginationStatus mirrors the pagination controller's deduplicated status
// stream.
type PaginationStatus struct {
	Room       string `json:"-"`
	Paginating bool   `json:"paginating"`
	HitStart   bool   `json:"hit_start,omitempty"`
}

// Type implements Event.
func (PaginationStatus) Type() EventType { return EventPaginationStatus }

// RoomID implements Event.
func (s PaginationStatus) RoomID() string { return s.Room }

// Payload implements Event.
func (s PaginationStatus) Payload() any { return s }

// VerificationTransition records that a flow reached a new state. State is
// the state's lower-case name; Code is set when the new state is Cancelled.
type VerificationTransition struct {
	Flow  verification.FlowID `json:"flow"`
	State string              `json:"state"`
	Code  string              `json:"code,omitempty"`
}

// Type implements Event.
func (VerificationTransition) Type() EventType { return EventVerificationTransition }

// RoomID implements Event.
func (t VerificationTransition) RoomID() string { return t.Flow.RoomID }

// Payload implements Event.
func (t VerificationTransition) Payload() any { return t }

// OutgoingRequest notifies observers that a request with the given
// transaction id is awaiting dispatch, letting an external worker own the
// actual transport call.
type OutgoingRequest struct {
	TxnID string `json:"txn_id"`
	// Kind names the request type: to_device, keys_claim, keys_query,
	// room_message or signature_upload.
	Kind string `json:"kind"`
	Room string `json:"-"`
}

// Type implements Event.
func (OutgoingRequest) Type() EventType { return EventOutgoingRequest }

// RoomID implements Event.
func (r OutgoingRequest) RoomID() string { return r.Room }

// Payload implements Event.
func (r OutgoingRequest) Payload() any { return r }
