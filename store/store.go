// Package store defines the persistence contract for Olm sessions, devices,
// and the other crypto-adjacent state the core must durably record.
// This module backs it by a memory map (store/memory) or MongoDB
// (store/mongo); the core never assumes a particular backend.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/identity"
)

// ErrDeviceNotFound is returned by GetDevice when no device is recorded for
// the given (user, device) pair.
var ErrDeviceNotFound = errors.New("store: device not found")

type (
	// SessionRecord is a persisted Olm session: an opaque pickle plus the
	// creation timestamp the canonical-session rule orders on.
	SessionRecord struct {
		ID        crypto.SessionID
		CurveKey  crypto.CurveKey
		Pickle    crypto.Pickle
		CreatedAt time.Time
	}

	// SessionList is every session recorded for a given curve key, always
	// returned ordered oldest-first.
	SessionList []SessionRecord

	// Changes is an atomic batch written by SaveChanges. The group-session,
	// identity and message-hash fields are opaque, implementation-defined
	// blobs. The memory and MongoDB backends in this module store only
	// Sessions and Devices; they ignore the other fields.
	Changes struct {
		Sessions              []SessionRecord
		Devices               []identity.Device
		InboundGroupSessions  map[string]crypto.Pickle
		OutboundGroupSessions map[string]crypto.Pickle
		Identities            map[string]crypto.Ed25519Key
		MessageHashes         []string
	}

	// Store is the persistence contract the Olm session manager depends on.
	// Implementations must be safe for concurrent use.
	Store interface {
		// SaveChanges atomically persists a batch of session, device, and
		// group-session state. A partial failure must not leave some of the
		// batch visible.
		SaveChanges(ctx context.Context, changes Changes) error
		// GetSessions returns every session recorded for curveKey, ordered
		// oldest-first. Returns an empty list, not an error, when none exist.
		GetSessions(ctx context.Context, curveKey crypto.CurveKey) (SessionList, error)
		// GetDevice returns the identity record for (user, device). Returns
		// ErrDeviceNotFound when unknown.
		GetDevice(ctx context.Context, userID, deviceID string) (identity.Device, error)
		// GetUserDevices returns every device recorded for userID.
		GetUserDevices(ctx context.Context, userID string) ([]identity.Device, error)
	}
)

// Canonical returns the session that is canonical for outbound encryption:
// smallest CreatedAt, ties broken by SessionID lexicographically. Returns the zero value and false for an empty list.
func (l SessionList) Canonical() (SessionRecord, bool) {
	if len(l) == 0 {
		return SessionRecord{}, false
	}
	return l[0], true
}

// Sorted returns a copy of l ordered oldest-first with the canonical
// tie-break rule applied, leaving l untouched.
func (l SessionList) Sorted() SessionList {
	out := make(SessionList, len(l))
	copy(out, l)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
