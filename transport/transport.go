// Package transport names the homeserver request/response contract the core
// treats as an external collaborator. No HTTP client lives
// here: Dispatcher is satisfied by the application's homeserver client.
package transport

import "context"

type (
	// ToDeviceRequest asks the transport to deliver one or more to-device
	// messages, keyed by the recipient (user_id, device_id) pair.
	ToDeviceRequest struct {
		TxnID     string
		EventType string
		// Messages maps user id -> device id -> encrypted (or plaintext dummy)
		// event content.
		Messages map[string]map[string]map[string]any
	}

	// KeysClaimRequest asks the transport to claim one-time keys for the given
	// devices, keyed by user id -> device id -> algorithm.
	KeysClaimRequest struct {
		TxnID      string
		OneTimeKey map[string]map[string]string
	}

	// KeysClaimResponse is the homeserver's answer to a KeysClaimRequest.
	KeysClaimResponse struct {
		// OneTimeKeys maps user id -> device id -> key id -> key object. The key
		// object's shape is Primitives-specific and passed through unparsed by
		// the transport.
		OneTimeKeys map[string]map[string]map[string]any
		// Failures lists servers that failed to respond, by server name.
		Failures map[string]any
	}

	// KeysQueryRequest asks the transport to fetch device lists for the given
	// users.
	KeysQueryRequest struct {
		TxnID      string
		DeviceKeys map[string][]string
	}

	// RoomMessageRequest asks the transport to send a room event.
	RoomMessageRequest struct {
		TxnID   string
		RoomID  string
		Type    string
		Content map[string]any
	}

	// SignatureUploadRequest asks the transport to publish cross-signing or
	// device signatures.
	SignatureUploadRequest struct {
		TxnID      string
		Signatures map[string]map[string]map[string]any
	}

	// Dispatcher is the narrow seam the core's state machines call to emit
	// outgoing work. It never returns a response body for to-device style
	// sends; the transport is expected to provide at-least-once
	// delivery and the core deduplicates via TxnID.
	Dispatcher interface {
		SendToDevice(ctx context.Context, req ToDeviceRequest) error
		ClaimKeys(ctx context.Context, req KeysClaimRequest) (KeysClaimResponse, error)
		QueryKeys(ctx context.Context, req KeysQueryRequest) error
		SendRoomMessage(ctx context.Context, req RoomMessageRequest) error
		UploadSignatures(ctx context.Context, req SignatureUploadRequest) error
	}
)
