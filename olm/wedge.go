package olm

import (
	"context"
	"errors"
	"time"

	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/identity"
)

// ErrDeviceUnknown is returned by MarkDeviceAsWedged when no device with the
// given curve key is recorded for the user.
var ErrDeviceUnknown = errors.New("olm: no device with that curve key")

// MarkDeviceAsWedged records the (user, curveKey) pair as wedged if its
// canonical session is older than the configured unwedging interval, and
// enqueues the device for the next key-claim scan.
func (m *Manager) MarkDeviceAsWedged(ctx context.Context, userID string, curveKey crypto.CurveKey) error {
	devices, err := m.store.GetUserDevices(ctx, userID)
	if err != nil {
		return err
	}

	var dev identity.Device
	found := false
	for _, d := range devices {
		if d.CurveKey == curveKey {
			dev = d
			found = true
			break
		}
	}
	if !found {
		return ErrDeviceUnknown
	}

	sessions, err := m.store.GetSessions(ctx, curveKey)
	if err != nil {
		return err
	}
	canonical, ok := sessions.Canonical()
	if !ok {
		return nil
	}
	if time.Since(canonical.CreatedAt) <= m.cfg.UnwedgingInterval {
		return nil
	}

	key := identity.KeyOf(dev)
	m.mu.Lock()
	m.wedged[key] = struct{}{}
	m.queued[key] = struct{}{}
	m.mu.Unlock()

	m.log.Info(ctx, "olm: device marked as wedged", "user_id", userID, "device_id", dev.DeviceID)
	m.met.IncCounter("olm.device_wedged", 1, "user_id", userID)
	return nil
}
