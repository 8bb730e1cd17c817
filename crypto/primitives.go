// Package crypto names the Olm/Megolm cryptographic primitives the core
// treats as an external collaborator. No ratchet, KDF, or
// signature algorithm is implemented here: Primitives is satisfied by a real
// libolm/vodozemac binding in production and by a fake in tests.
package crypto

import (
	"context"
	"errors"
)

// ErrSessionWedged is returned by Decrypt when the session's ratchet state no
// longer matches the sender's, the defining symptom of a wedged session.
var ErrSessionWedged = errors.New("crypto: session wedged")

// ErrUnsupportedAlgorithm is returned when a device advertises no algorithm
// the local implementation understands.
var ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")

type (
	// CurveKey is a base64-encoded Curve25519 public key used for Olm key
	// agreement.
	CurveKey string

	// Ed25519Key is a base64-encoded Ed25519 public key used to sign device
	// claims.
	Ed25519Key string

	// SessionID identifies a single Olm ratchet instance. Session ids are
	// opaque and only meaningful to the Primitives implementation.
	SessionID string

	// Pickle is the opaque, implementation-defined serialization of a session
	// or an inbound/outbound group session. The Store never interprets it.
	Pickle []byte

	// OneTimeKey is a single signed-curve25519 one-time key claimed from a
	// device, as returned by a keys/claim response.
	OneTimeKey struct {
		KeyID     string
		Key       CurveKey
		Signature string
	}

	// Primitives is the seam between the core and the actual Olm/Megolm
	// implementation. Every method may perform CPU-bound ratchet work; the
	// core does not assume it suspends, but callers are free to offload it as
	// long as in-order delivery per session is preserved.
	Primitives interface {
		// CreateOutbound establishes a new Olm session to theirCurveKey using a
		// freshly claimed one-time key, returning the session id and its pickle.
		CreateOutbound(ctx context.Context, theirCurveKey CurveKey, otk OneTimeKey) (SessionID, Pickle, error)
		// CreateInbound establishes a new Olm session from the first message
		// received from theirCurveKey (a pre-key message).
		CreateInbound(ctx context.Context, theirCurveKey CurveKey, preKeyMessage []byte) (SessionID, Pickle, []byte, error)
		// Encrypt ratchets pickle forward and returns ciphertext for plaintext.
		// Encrypt calls against a single session must be serialized by the
		// caller; Primitives does not lock internally.
		Encrypt(ctx context.Context, pickle Pickle, plaintext []byte) (ciphertext []byte, next Pickle, err error)
		// Decrypt attempts to ratchet pickle forward using ciphertext. It
		// returns ErrSessionWedged when the ratchet state has diverged from the
		// sender's.
		Decrypt(ctx context.Context, pickle Pickle, ciphertext []byte) (plaintext []byte, next Pickle, err error)
	}
)
