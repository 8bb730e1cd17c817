package olm

import (
	"context"
	"errors"
	"time"

	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/identity"
	"go.matrixcore.dev/core/internal/idgen"
	"go.matrixcore.dev/core/store"
	"go.matrixcore.dev/core/transport"
)

// errNoOneTimeKey means the homeserver's claim response carried no usable
// one-time key object for a device that was included in the request.
var errNoOneTimeKey = errors.New("olm: no usable one-time key in response")

// ReceiveKeysClaimResponse processes a homeserver keys/claim response for the
// request identified by txnID: for each returned one-time key it creates an
// outbound Olm session, persists it, and checks whether the device had been
// recorded as wedged; devices claimed but absent from the response are marked
// device-timed-out.
func (m *Manager) ReceiveKeysClaimResponse(ctx context.Context, txnID string, resp transport.KeysClaimResponse) error {
	m.mu.Lock()
	req, ok := m.pending[txnID]
	m.mu.Unlock()

	for server := range resp.Failures {
		if err := m.serverFailures.MarkFailed(ctx, server); err != nil {
			return err
		}
	}

	claimed := make(map[identity.Key]struct{})
	if ok {
		for _, k := range req.Devices {
			claimed[k] = struct{}{}
		}
	}
	answered := make(map[identity.Key]struct{})

	for userID, byDevice := range resp.OneTimeKeys {
		if err := m.serverFailures.Clear(ctx, serverOf(userID)); err != nil {
			return err
		}
		for deviceID, keys := range byDevice {
			key := identity.Key{UserID: userID, DeviceID: deviceID}
			answered[key] = struct{}{}

			dev, err := m.store.GetDevice(ctx, userID, deviceID)
			if err != nil {
				m.log.Warn(ctx, "olm: unknown device in claim response, skipping", "user_id", userID, "device_id", deviceID)
				continue
			}

			otk, err := firstOneTimeKey(keys)
			if err != nil {
				if markErr := m.deviceFailures.MarkFailed(ctx, deviceFailureKey(key)); markErr != nil {
					return markErr
				}
				continue
			}

			if err := m.createSessionFor(ctx, dev, otk); err != nil {
				m.log.Warn(ctx, "olm: session creation failed", "user_id", userID, "device_id", deviceID, "error", err)
				if markErr := m.deviceFailures.MarkFailed(ctx, deviceFailureKey(key)); markErr != nil {
					return markErr
				}
				continue
			}
		}
	}

	for key := range claimed {
		if _, ok := answered[key]; ok {
			continue
		}
		// Claimed but the homeserver returned no one-time key for this
		// device: missing-OTK, not a primitive failure.
		if err := m.deviceFailures.MarkFailed(ctx, deviceFailureKey(key)); err != nil {
			return err
		}
	}

	m.MarkOutgoingRequestAsSent(txnID)
	return nil
}

func firstOneTimeKey(keys map[string]any) (crypto.OneTimeKey, error) {
	for keyID, raw := range keys {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		keyStr, _ := obj["key"].(string)
		sig, _ := obj["signature"].(string)
		return crypto.OneTimeKey{KeyID: keyID, Key: crypto.CurveKey(keyStr), Signature: sig}, nil
	}
	return crypto.OneTimeKey{}, errNoOneTimeKey
}

func (m *Manager) createSessionFor(ctx context.Context, dev identity.Device, otk crypto.OneTimeKey) error {
	sessionID, pickle, err := m.primitive.CreateOutbound(ctx, dev.CurveKey, otk)
	if err != nil {
		return err
	}

	if err := m.store.SaveChanges(ctx, store.Changes{
		Sessions: []store.SessionRecord{{
			ID:        sessionID,
			CurveKey:  dev.CurveKey,
			Pickle:    pickle,
			CreatedAt: time.Now(),
		}},
	}); err != nil {
		return err
	}

	key := identity.KeyOf(dev)
	if err := m.deviceFailures.Clear(ctx, deviceFailureKey(key)); err != nil {
		return err
	}

	return m.checkIfUnwedged(ctx, key, pickle)
}

// checkIfUnwedged sends the unwedging dummy payload if key was recorded as
// wedged, then clears the wedged flag.
func (m *Manager) checkIfUnwedged(ctx context.Context, key identity.Key, pickle crypto.Pickle) error {
	m.mu.Lock()
	_, wasWedged := m.wedged[key]
	if wasWedged {
		delete(m.wedged, key)
	}
	m.mu.Unlock()

	if !wasWedged {
		return nil
	}

	ciphertext, _, err := m.primitive.Encrypt(ctx, pickle, []byte("{}"))
	if err != nil {
		return err
	}

	return m.dispatch.SendToDevice(ctx, transport.ToDeviceRequest{
		TxnID:     idgen.TxnID(),
		EventType: DummyEventType,
		Messages: map[string]map[string]map[string]any{
			key.UserID: {
				key.DeviceID: {"ciphertext": ciphertext},
			},
		},
	})
}
