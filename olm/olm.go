// Package olm tracks which (user, device) pairs lack a working pairwise Olm
// session, drives key-claiming to establish new ones, and detects and
// repairs wedged sessions.
package olm

import (
	"errors"
	"strings"

	"go.matrixcore.dev/core/identity"
)

// ErrClaimInFlight is returned by GetMissingSessions when a key-claim request
// is already outstanding; the spec requires at most one at a time.
var ErrClaimInFlight = errors.New("olm: a key-claim request is already in flight")

// SupportedAlgorithm is the Olm algorithm identifier this manager claims
// one-time keys for.
const SupportedAlgorithm = "m.olm.v1.curve25519-aes-sha2"

// DummyEventType is the to-device event type used for the unwedging
// sub-protocol's empty payload.
const DummyEventType = "m.dummy"

// ClaimRequest describes the devices a GetMissingSessions scan decided to
// claim one-time keys for, keyed by the txn id that will identify the
// homeserver round-trip.
type ClaimRequest struct {
	TxnID   string
	Devices []identity.Key
}

func serverOf(userID string) string {
	if i := strings.IndexByte(userID, ':'); i >= 0 {
		return userID[i+1:]
	}
	return userID
}
