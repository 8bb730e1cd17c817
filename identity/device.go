// Package identity defines the device identity triple shared by the Olm
// session manager and the verification state machine.
package identity

import "go.matrixcore.dev/core/crypto"

// Device is an immutable identity claim once trusted; a key rotation is
// modeled as a new Device, never a mutation of an existing one.
type Device struct {
	UserID     string
	DeviceID   string
	CurveKey   crypto.CurveKey
	Ed25519Key crypto.Ed25519Key
	// Algorithms lists the Olm/Megolm algorithms this device advertises
	// supporting (e.g. "m.olm.v1.curve25519-aes-sha2").
	Algorithms []string
}

// SupportsAlgorithm reports whether the device advertises alg.
func (d Device) SupportsAlgorithm(alg string) bool {
	for _, a := range d.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Key is the unique identity of a device across a session: deliberately
// (UserID, DeviceID) rather than the curve key alone, since a single device
// retains one identity across key rotations between UserID/DeviceID pairs
// even though a key change is logically a new device.
type Key struct {
	UserID   string
	DeviceID string
}

// KeyOf returns d's lookup key.
func KeyOf(d Device) Key {
	return Key{UserID: d.UserID, DeviceID: d.DeviceID}
}
