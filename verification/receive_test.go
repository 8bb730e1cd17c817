package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestReceiver(t *testing.T) (*Receiver, *MemoryCache) {
	t.Helper()
	cache := NewMemoryCache()
	return NewReceiver(cache, "@alice:example.org", "DEV_A", []string{"m.sas.v1"}), cache
}

func deviceFlow(txn string) FlowID { return FlowID{TxnID: txn} }

func TestReceiveRequestCreatesRequestedFlow(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.request",
		SenderUserID: "@bob:example.org",
		Content: map[string]any{
			"from_device": "DEV_B",
			"methods":     []any{"m.sas.v1", "m.qr_code.show.v1"},
		},
	}, now)
	require.NoError(t, err)
	require.Empty(t, out)

	state, ok, err := cache.Get(ctx, deviceFlow("t1"))
	require.NoError(t, err)
	require.True(t, ok)
	req, isRequested := state.(Requested)
	require.True(t, isRequested)
	require.Equal(t, "DEV_B", req.TheirDevice)
	require.Equal(t, []string{"m.sas.v1", "m.qr_code.show.v1"}, req.TheirMethods)
}

func TestReceiveDropsMalformedContent(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.request",
		SenderUserID: "@bob:example.org",
		Content:      map[string]any{"methods": []any{"m.sas.v1"}},
	}, time.Now())
	require.NoError(t, err)
	require.Empty(t, out)
	require.Zero(t, cache.Len(), "malformed request must not create a flow")
}

func TestStartBeforeReadyIsDroppedNotCancelled(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, cache.Put(ctx, deviceFlow("t1"), NewRequested(deviceFlow("t1"), "@bob:example.org", "DEV_B", []string{"m.sas.v1"}, now)))

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.start",
		SenderUserID: "@bob:example.org",
		Content:      map[string]any{"from_device": "DEV_B", "method": "m.sas.v1"},
	}, now)
	require.NoError(t, err)
	require.Empty(t, out, "no cancel is emitted for an early start")

	state, ok, err := cache.Get(ctx, deviceFlow("t1"))
	require.NoError(t, err)
	require.True(t, ok)
	_, stillRequested := state.(Requested)
	require.True(t, stillRequested, "flow state is untouched")
}

func TestStartOnReadyFlowAdvancesToStarted(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	req := NewRequested(deviceFlow("t1"), "@bob:example.org", "DEV_B", []string{"m.sas.v1"}, now)
	ready, _ := req.Accept([]string{"m.sas.v1"})
	require.NoError(t, cache.Put(ctx, deviceFlow("t1"), ready))

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.start",
		SenderUserID: "@bob:example.org",
		Content:      map[string]any{"from_device": "DEV_B", "method": "m.sas.v1"},
	}, now)
	require.NoError(t, err)
	require.Empty(t, out)

	state, _, err := cache.Get(ctx, deviceFlow("t1"))
	require.NoError(t, err)
	started, isStarted := state.(Started)
	require.True(t, isStarted)
	require.Equal(t, "m.sas.v1", started.Method)
}

func TestDuplicateStartCancelsFlow(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	started := Started{
		base:        newBase(deviceFlow("t1"), now),
		Method:      "m.sas.v1",
		TheirUserID: "@bob:example.org",
		TheirDevice: "DEV_B",
	}
	require.NoError(t, cache.Put(ctx, deviceFlow("t1"), started))

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.start",
		SenderUserID: "@bob:example.org",
		Content:      map[string]any{"from_device": "DEV_B", "method": "m.sas.v1"},
	}, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "m.key.verification.cancel", out[0].Type)

	state, _, err := cache.Get(ctx, deviceFlow("t1"))
	require.NoError(t, err)
	_, isCancelled := state.(Cancelled)
	require.True(t, isCancelled)
}

func TestStartFromUnexpectedDeviceCancels(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	req := NewRequested(deviceFlow("t1"), "@bob:example.org", "DEV_B", []string{"m.sas.v1"}, now)
	ready, _ := req.Accept([]string{"m.sas.v1"})
	require.NoError(t, cache.Put(ctx, deviceFlow("t1"), ready))

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.start",
		SenderUserID: "@bob:example.org",
		Content:      map[string]any{"from_device": "DEV_EVIL", "method": "m.sas.v1"},
	}, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "m.key.verification.cancel", out[0].Type)
}

func TestReadyFromOwnOtherDeviceGoesPassive(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, cache.Put(ctx, deviceFlow("t1"), NewRequested(deviceFlow("t1"), "@bob:example.org", "DEV_B", []string{"m.sas.v1"}, now)))

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.ready",
		SenderUserID: "@alice:example.org",
		Content:      map[string]any{"from_device": "DEV_OTHER", "methods": []any{"m.sas.v1"}},
	}, now)
	require.NoError(t, err)
	require.Empty(t, out)

	state, _, err := cache.Get(ctx, deviceFlow("t1"))
	require.NoError(t, err)
	_, isPassive := state.(Passive)
	require.True(t, isPassive)
}

func TestPeerCancelRecordsCode(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, cache.Put(ctx, deviceFlow("t1"), NewCreated(deviceFlow("t1"), []string{"m.sas.v1"}, now)))

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.cancel",
		SenderUserID: "@bob:example.org",
		Content:      map[string]any{"code": "m.user", "reason": "changed my mind"},
	}, now)
	require.NoError(t, err)
	require.Empty(t, out, "a peer cancel is not answered")

	state, _, err := cache.Get(ctx, deviceFlow("t1"))
	require.NoError(t, err)
	cancelled, isCancelled := state.(Cancelled)
	require.True(t, isCancelled)
	require.Equal(t, CancelUser, cancelled.Code)
}

func TestDoneCompletesStartedFlow(t *testing.T) {
	r, cache := newTestReceiver(t)
	ctx := context.Background()
	now := time.Now()

	started := Started{base: newBase(deviceFlow("t1"), now), Method: "m.sas.v1", TheirUserID: "@bob:example.org", TheirDevice: "DEV_B"}
	require.NoError(t, cache.Put(ctx, deviceFlow("t1"), started))

	out, err := r.Receive(ctx, Incoming{
		Flow:         deviceFlow("t1"),
		Type:         "m.key.verification.done",
		SenderUserID: "@bob:example.org",
		Content:      map[string]any{},
	}, now)
	require.NoError(t, err)
	require.Empty(t, out)

	state, _, err := cache.Get(ctx, deviceFlow("t1"))
	require.NoError(t, err)
	_, isDone := state.(Done)
	require.True(t, isDone)
}
