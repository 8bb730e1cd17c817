package verification

import "time"

// Outgoing is a message a transition decided to emit: either an in-room
// event or a to-device message, depending on the flow's binding.
type Outgoing struct {
	Flow    FlowID
	Type    string
	Content map[string]any
}

// NewCreated starts a flow we initiate, advertising methods.
func NewCreated(flow FlowID, methods []string, now time.Time) Created {
	return Created{base: newBase(flow, now), Methods: methods}
}

// NewRequested records a flow the peer initiated.
func NewRequested(flow FlowID, theirUserID, theirDevice string, theirMethods []string, now time.Time) Requested {
	return Requested{
		base:         newBase(flow, now),
		TheirMethods: theirMethods,
		TheirUserID:  theirUserID,
		TheirDevice:  theirDevice,
	}
}

// ReceiveReady advances a Created flow once the peer responds, fixing their
// device id.
func (c Created) ReceiveReady(theirUserID, theirDevice string, theirMethods []string) Ready {
	return Ready{
		base:        c.base,
		Methods:     intersect(c.Methods, theirMethods),
		TheirUserID: theirUserID,
		TheirDevice: theirDevice,
	}
}

// Accept moves a Requested flow to Ready and emits a ready message listing
// the intersection of supported methods.
func (r Requested) Accept(ourMethods []string) (Ready, Outgoing) {
	methods := intersect(r.TheirMethods, ourMethods)
	ready := Ready{
		base:        r.base,
		Methods:     methods,
		TheirUserID: r.TheirUserID,
		TheirDevice: r.TheirDevice,
	}
	out := Outgoing{
		Flow: r.flow,
		Type: "m.key.verification.ready",
		Content: map[string]any{
			"methods": methods,
		},
	}
	return ready, out
}

// Decline cancels a Requested flow we chose not to accept.
func (r Requested) Decline(code CancelCode, reason string) (Cancelled, Outgoing) {
	return r.cancel(code, reason)
}

// ObservePassive transitions a Requested flow to Passive when another of our
// own devices is seen responding to it.
func (r Requested) ObservePassive() Passive {
	return Passive{base: r.base, TheirUserID: r.TheirUserID, TheirDevice: r.TheirDevice}
}

// Start moves a Ready flow to Started because we initiated the SAS exchange,
// emitting the start message.
func (r Ready) Start(method string) (Started, Outgoing) {
	started := Started{base: r.base, Method: method, TheirUserID: r.TheirUserID, TheirDevice: r.TheirDevice}
	out := Outgoing{
		Flow:    r.flow,
		Type:    "m.key.verification.start",
		Content: map[string]any{"method": method},
	}
	return started, out
}

// ReceiveStart advances a Ready flow on receiving the peer's start message.
// An unacceptable device id or method yields a Cancelled state and a cancel
// message rather than an error.
func (r Ready) ReceiveStart(senderDevice, method string, supportedMethods []string) (State, Outgoing) {
	if senderDevice != r.TheirDevice {
		return r.cancel(CancelUnexpectedMessage, "start from unexpected device")
	}
	if !contains(supportedMethods, method) {
		return r.cancel(CancelUnknownMethod, "unsupported verification method")
	}
	started := Started{base: r.base, Method: method, TheirUserID: r.TheirUserID, TheirDevice: r.TheirDevice}
	return started, Outgoing{}
}

// ReceiveDuplicateStart responds to a second start on an already-Started
// flow with a cancel: exactly one SAS exchange may ever start per flow.
func (s Started) ReceiveDuplicateStart() (Cancelled, Outgoing) {
	return s.cancel(CancelUnexpectedMessage, "a verification has already started on this flow")
}

// Complete finishes a Started flow successfully.
func (s Started) Complete() Done {
	return Done{base: s.base}
}

// Cancel terminates s with code/reason, emitting the cancel message.
func (s Started) Cancel(code CancelCode, reason string) (Cancelled, Outgoing) {
	return s.cancel(code, reason)
}

func (r Ready) cancel(code CancelCode, reason string) (Cancelled, Outgoing) {
	return cancelState(r.base, r.flow, code, reason)
}

func (r Requested) cancel(code CancelCode, reason string) (Cancelled, Outgoing) {
	return cancelState(r.base, r.flow, code, reason)
}

func (s Started) cancel(code CancelCode, reason string) (Cancelled, Outgoing) {
	return cancelState(s.base, s.flow, code, reason)
}

func cancelState(b base, flow FlowID, code CancelCode, reason string) (Cancelled, Outgoing) {
	c := Cancelled{base: b, Code: code, Reason: reason}
	out := Outgoing{
		Flow: flow,
		Type: "m.key.verification.cancel",
		Content: map[string]any{
			"code":   string(code),
			"reason": reason,
		},
	}
	return c, out
}

// Expired reports whether s has outlived timeout measured from its
// CreatedAt, and — if so — returns the Cancelled state and cancel message
// the verification cache's garbage_collect emits.
func Expired(s State, now time.Time, timeout time.Duration) (Cancelled, Outgoing, bool) {
	switch s.(type) {
	case Done, Cancelled:
		return Cancelled{}, Outgoing{}, false
	}
	if now.Sub(s.CreatedAt()) < timeout {
		return Cancelled{}, Outgoing{}, false
	}
	flow := s.FlowID()
	c, out := cancelState(newBase(flow, s.CreatedAt()), flow, CancelTimeout, "verification timed out")
	return c, out, true
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, m := range b {
		set[m] = struct{}{}
	}
	var out []string
	for _, m := range a {
		if _, ok := set[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
