package verification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestedAcceptEmitsIntersectionOfMethods(t *testing.T) {
	flow := FlowID{TxnID: "txn1"}
	requested := NewRequested(flow, "@bob:example.org", "DEVICEB", []string{"m.sas.v1", "m.qr_code.scan.v1"}, time.Now())

	ready, out := requested.Accept([]string{"m.sas.v1"})
	require.Equal(t, []string{"m.sas.v1"}, ready.Methods)
	require.Equal(t, "m.key.verification.ready", out.Type)
	require.Equal(t, []string{"m.sas.v1"}, out.Content["methods"])
}

func TestReadyReceiveStartRejectsWrongDevice(t *testing.T) {
	flow := FlowID{TxnID: "txn1"}
	ready := Ready{base: newBase(flow, time.Now()), Methods: []string{"m.sas.v1"}, TheirUserID: "@bob:example.org", TheirDevice: "DEVICEB"}

	next, out := ready.ReceiveStart("DEVICEC", "m.sas.v1", []string{"m.sas.v1"})
	cancelled, ok := next.(Cancelled)
	require.True(t, ok)
	require.Equal(t, CancelUnexpectedMessage, cancelled.Code)
	require.Equal(t, "m.key.verification.cancel", out.Type)
}

func TestReadyReceiveStartRejectsUnsupportedMethod(t *testing.T) {
	flow := FlowID{TxnID: "txn1"}
	ready := Ready{base: newBase(flow, time.Now()), Methods: []string{"m.sas.v1"}, TheirUserID: "@bob:example.org", TheirDevice: "DEVICEB"}

	next, _ := ready.ReceiveStart("DEVICEB", "m.qr_code.scan.v1", []string{"m.sas.v1"})
	cancelled, ok := next.(Cancelled)
	require.True(t, ok)
	require.Equal(t, CancelUnknownMethod, cancelled.Code)
}

func TestReadyReceiveStartSucceeds(t *testing.T) {
	flow := FlowID{TxnID: "txn1"}
	ready := Ready{base: newBase(flow, time.Now()), Methods: []string{"m.sas.v1"}, TheirUserID: "@bob:example.org", TheirDevice: "DEVICEB"}

	next, _ := ready.ReceiveStart("DEVICEB", "m.sas.v1", []string{"m.sas.v1"})
	started, ok := next.(Started)
	require.True(t, ok)
	require.Equal(t, "m.sas.v1", started.Method)
}

func TestStartedDuplicateStartIsCancelled(t *testing.T) {
	flow := FlowID{TxnID: "txn1"}
	started := Started{base: newBase(flow, time.Now()), Method: "m.sas.v1", TheirUserID: "@bob:example.org", TheirDevice: "DEVICEB"}

	cancelled, out := started.ReceiveDuplicateStart()
	require.Equal(t, CancelUnexpectedMessage, cancelled.Code)
	require.Equal(t, "m.key.verification.cancel", out.Type)
}

func TestExpiredCancelsNonTerminalStates(t *testing.T) {
	flow := FlowID{TxnID: "txn1"}
	created := NewCreated(flow, []string{"m.sas.v1"}, time.Now().Add(-11*time.Minute))

	cancelled, out, expired := Expired(created, time.Now(), 10*time.Minute)
	require.True(t, expired)
	require.Equal(t, CancelTimeout, cancelled.Code)
	require.Equal(t, "m.key.verification.cancel", out.Type)
}

func TestExpiredLeavesTerminalStatesAlone(t *testing.T) {
	flow := FlowID{TxnID: "txn1"}
	done := Done{base: newBase(flow, time.Now().Add(-time.Hour))}

	_, _, expired := Expired(done, time.Now(), 10*time.Minute)
	require.False(t, expired)
}

func TestFlowIDKeyDistinguishesBindings(t *testing.T) {
	deviceFlow := FlowID{TxnID: "t1"}
	roomFlow := FlowID{RoomID: "!r:example.org", EventID: "$e1"}
	require.NotEqual(t, deviceFlow.Key(), roomFlow.Key())
	require.False(t, deviceFlow.InRoom())
	require.True(t, roomFlow.InRoom())
}
