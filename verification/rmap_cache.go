package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/pulse/rmap"
)

// ReplicatedCache is a multi-process Cache backed by a Pulse replicated map,
// letting every node handling to-device sync for a user see the same
// verification flow state. States are serialized to JSON
// snapshots since rmap.Map values are strings.
type ReplicatedCache struct {
	flows *rmap.Map
}

var _ Cache = (*ReplicatedCache)(nil)

// NewReplicatedCache wraps an already-joined Pulse replicated map.
func NewReplicatedCache(flows *rmap.Map) *ReplicatedCache {
	return &ReplicatedCache{flows: flows}
}

type snapshot struct {
	Kind        string     `json:"kind"`
	Flow        FlowID     `json:"flow"`
	Created     time.Time  `json:"created"`
	Methods     []string   `json:"methods,omitempty"`
	TheirMethod []string   `json:"their_methods,omitempty"`
	TheirUserID string     `json:"their_user_id,omitempty"`
	TheirDevice string     `json:"their_device,omitempty"`
	Method      string     `json:"method,omitempty"`
	Code        CancelCode `json:"code,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func toSnapshot(s State) snapshot {
	switch v := s.(type) {
	case Created:
		return snapshot{Kind: "created", Flow: v.flow, Created: v.created, Methods: v.Methods}
	case Requested:
		return snapshot{Kind: "requested", Flow: v.flow, Created: v.created, TheirMethod: v.TheirMethods, TheirUserID: v.TheirUserID, TheirDevice: v.TheirDevice}
	case Ready:
		return snapshot{Kind: "ready", Flow: v.flow, Created: v.created, Methods: v.Methods, TheirUserID: v.TheirUserID, TheirDevice: v.TheirDevice}
	case Passive:
		return snapshot{Kind: "passive", Flow: v.flow, Created: v.created, TheirUserID: v.TheirUserID, TheirDevice: v.TheirDevice}
	case Started:
		return snapshot{Kind: "started", Flow: v.flow, Created: v.created, Method: v.Method, TheirUserID: v.TheirUserID, TheirDevice: v.TheirDevice}
	case Done:
		return snapshot{Kind: "done", Flow: v.flow, Created: v.created}
	case Cancelled:
		return snapshot{Kind: "cancelled", Flow: v.flow, Created: v.created, Code: v.Code, Reason: v.Reason}
	default:
		return snapshot{}
	}
}

func fromSnapshot(s snapshot) (State, error) {
	b := newBase(s.Flow, s.Created)
	switch s.Kind {
	case "created":
		return Created{base: b, Methods: s.Methods}, nil
	case "requested":
		return Requested{base: b, TheirMethods: s.TheirMethod, TheirUserID: s.TheirUserID, TheirDevice: s.TheirDevice}, nil
	case "ready":
		return Ready{base: b, Methods: s.Methods, TheirUserID: s.TheirUserID, TheirDevice: s.TheirDevice}, nil
	case "passive":
		return Passive{base: b, TheirUserID: s.TheirUserID, TheirDevice: s.TheirDevice}, nil
	case "started":
		return Started{base: b, Method: s.Method, TheirUserID: s.TheirUserID, TheirDevice: s.TheirDevice}, nil
	case "done":
		return Done{base: b}, nil
	case "cancelled":
		return Cancelled{base: b, Code: s.Code, Reason: s.Reason}, nil
	default:
		return nil, fmt.Errorf("verification: unknown snapshot kind %q", s.Kind)
	}
}

// Get returns the current state of flow.
func (c *ReplicatedCache) Get(_ context.Context, flow FlowID) (State, bool, error) {
	raw, ok := c.flows.Get(flow.Key())
	if !ok {
		return nil, false, nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false, err
	}
	s, err := fromSnapshot(snap)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Put records flow's new state.
func (c *ReplicatedCache) Put(ctx context.Context, flow FlowID, s State) error {
	b, err := json.Marshal(toSnapshot(s))
	if err != nil {
		return err
	}
	_, err = c.flows.Set(ctx, flow.Key(), string(b))
	return err
}

// Delete removes flow from the replicated map.
func (c *ReplicatedCache) Delete(ctx context.Context, flow FlowID) error {
	_, err := c.flows.Delete(ctx, flow.Key())
	return err
}

// GarbageCollect scans every key currently in the replicated map and cancels
// any flow older than timeout. Safe to run concurrently from multiple nodes:
// rmap.Map.Set is last-write-wins, and cancelling an already-cancelled flow
// is idempotent.
func (c *ReplicatedCache) GarbageCollect(ctx context.Context, now time.Time, timeout time.Duration) ([]Outgoing, error) {
	var outgoing []Outgoing
	for _, key := range c.flows.Keys() {
		raw, ok := c.flows.Get(key)
		if !ok {
			continue
		}
		var snap snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		s, err := fromSnapshot(snap)
		if err != nil {
			continue
		}
		cancelled, out, expired := Expired(s, now, timeout)
		if !expired {
			continue
		}
		if err := c.Put(ctx, s.FlowID(), cancelled); err != nil {
			return outgoing, err
		}
		outgoing = append(outgoing, out)
	}
	return outgoing, nil
}
