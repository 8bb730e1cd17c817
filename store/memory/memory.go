// Package memory is an in-memory store.Store implementation suitable for
// development, testing, and single-node deployments where persistence across
// restarts is not required.
package memory

import (
	"context"
	"sync"

	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/identity"
	"go.matrixcore.dev/core/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[crypto.CurveKey]store.SessionList
	devices  map[string]map[string]identity.Device // userID -> deviceID -> Device
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[crypto.CurveKey]store.SessionList),
		devices:  make(map[string]map[string]identity.Device),
	}
}

// SaveChanges merges the batch into the store. Session lists are kept sorted
// oldest-first after every write so GetSessions never has to re-sort.
func (s *Store) SaveChanges(ctx context.Context, changes store.Changes) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range changes.Sessions {
		s.sessions[rec.CurveKey] = append(s.sessions[rec.CurveKey], rec).Sorted()
	}
	for _, dev := range changes.Devices {
		byDevice, ok := s.devices[dev.UserID]
		if !ok {
			byDevice = make(map[string]identity.Device)
			s.devices[dev.UserID] = byDevice
		}
		byDevice[dev.DeviceID] = dev
	}
	return nil
}

// GetSessions returns every session recorded for curveKey, oldest-first.
func (s *Store) GetSessions(ctx context.Context, curveKey crypto.CurveKey) (store.SessionList, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.sessions[curveKey]
	out := make(store.SessionList, len(list))
	copy(out, list)
	return out, nil
}

// GetDevice returns the identity record for (userID, deviceID).
func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (identity.Device, error) {
	select {
	case <-ctx.Done():
		return identity.Device{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDevice, ok := s.devices[userID]
	if !ok {
		return identity.Device{}, store.ErrDeviceNotFound
	}
	dev, ok := byDevice[deviceID]
	if !ok {
		return identity.Device{}, store.ErrDeviceNotFound
	}
	return dev, nil
}

// GetUserDevices returns every device recorded for userID.
func (s *Store) GetUserDevices(ctx context.Context, userID string) ([]identity.Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDevice := s.devices[userID]
	out := make([]identity.Device, 0, len(byDevice))
	for _, dev := range byDevice {
		out = append(out, dev)
	}
	return out, nil
}
