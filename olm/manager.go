package olm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/failsafe"
	"go.matrixcore.dev/core/identity"
	"go.matrixcore.dev/core/internal/idgen"
	"go.matrixcore.dev/core/store"
	"go.matrixcore.dev/core/telemetry"
	"go.matrixcore.dev/core/transport"
)

// Config carries the manager's tunable timeouts.
type Config struct {
	// UnwedgingInterval is how old a device's canonical session must be
	// before it becomes eligible for unwedging. Default 1h.
	UnwedgingInterval time.Duration
	// KeyClaimTimeout is the configured bound on a claim round-trip.
	// Default 10s. The Manager does not expire outstanding claims: a claim
	// stays pending until ReceiveKeysClaimResponse or
	// MarkOutgoingRequestAsSent retires it.
	KeyClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnwedgingInterval <= 0 {
		c.UnwedgingInterval = time.Hour
	}
	if c.KeyClaimTimeout <= 0 {
		c.KeyClaimTimeout = 10 * time.Second
	}
	return c
}

// Manager is the Olm Session Manager. It is safe for
// concurrent use; GetMissingSessions serializes itself so only one claim is
// ever outstanding.
type Manager struct {
	store     store.Store
	primitive crypto.Primitives
	dispatch  transport.Dispatcher
	cfg       Config

	serverFailures failsafe.Cache
	deviceFailures failsafe.Cache

	claimLimiter *rate.Limiter

	mu      sync.Mutex
	wedged  map[identity.Key]struct{}
	queued  map[identity.Key]struct{}
	pending map[string]ClaimRequest // txn id -> devices claimed

	log telemetry.Logger
	met telemetry.Metrics
}

// Option configures optional collaborators of a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(m *Manager) { m.log = l } }

// WithMetrics overrides the manager's metrics sink; defaults to telemetry.NoopMetrics.
func WithMetrics(met telemetry.Metrics) Option { return func(m *Manager) { m.met = met } }

// New constructs a Manager. serverFailures and deviceFailures are two
// distinct Failures Caches: one keyed by server, one by device.
func New(st store.Store, primitive crypto.Primitives, dispatch transport.Dispatcher, serverFailures, deviceFailures failsafe.Cache, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:          st,
		primitive:      primitive,
		dispatch:       dispatch,
		cfg:            cfg.withDefaults(),
		serverFailures: serverFailures,
		deviceFailures: deviceFailures,
		claimLimiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		wedged:         make(map[identity.Key]struct{}),
		queued:         make(map[identity.Key]struct{}),
		pending:        make(map[string]ClaimRequest),
		log:            telemetry.NoopLogger{},
		met:            telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsDeviceWedged reports whether key is currently recorded as wedged.
func (m *Manager) IsDeviceWedged(key identity.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.wedged[key]
	return ok
}

// EnqueueForKeyClaim pre-enqueues a device to be claimed on the next
// GetMissingSessions scan, independent of whether it currently has a
// session. Used by the unwedging path.
func (m *Manager) EnqueueForKeyClaim(key identity.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[key] = struct{}{}
}

// GetMissingSessions scans users' devices for ones that need a new Olm
// session and returns a claim request, or nil if there is nothing to claim.
// Returns ErrClaimInFlight if a previous claim has not yet
// been retired via ReceiveKeysClaimResponse or MarkOutgoingRequestAsSent,
// and also when called again within one second of the previous call (the
// claim rate limiter).
func (m *Manager) GetMissingSessions(ctx context.Context, users []string) (*ClaimRequest, error) {
	if !m.claimLimiter.Allow() {
		return nil, ErrClaimInFlight
	}

	m.mu.Lock()
	if len(m.pending) > 0 {
		m.mu.Unlock()
		return nil, ErrClaimInFlight
	}
	queued := m.queued
	m.queued = make(map[identity.Key]struct{})
	m.mu.Unlock()

	need := make(map[identity.Key]struct{}, len(queued))
	for k := range queued {
		need[k] = struct{}{}
	}

	for _, userID := range users {
		devices, err := m.store.GetUserDevices(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, dev := range devices {
			if !dev.SupportsAlgorithm(SupportedAlgorithm) || dev.CurveKey == "" {
				continue
			}
			key := identity.KeyOf(dev)
			sessions, err := m.store.GetSessions(ctx, dev.CurveKey)
			if err != nil {
				return nil, err
			}
			if len(sessions) > 0 {
				continue
			}
			serverFailed, err := m.serverFailures.IsFailed(ctx, serverOf(userID))
			if err != nil {
				return nil, err
			}
			if serverFailed {
				continue
			}
			deviceFailed, err := m.deviceFailures.IsFailed(ctx, deviceFailureKey(key))
			if err != nil {
				return nil, err
			}
			if deviceFailed {
				continue
			}
			need[key] = struct{}{}
		}
	}

	if len(need) == 0 {
		return nil, nil
	}

	req := ClaimRequest{TxnID: idgen.TxnID(), Devices: make([]identity.Key, 0, len(need))}
	for k := range need {
		req.Devices = append(req.Devices, k)
	}

	m.mu.Lock()
	m.pending[req.TxnID] = req
	m.mu.Unlock()

	return &req, nil
}

// MarkOutgoingRequestAsSent retires a completed to-device or key-claim
// request from the pending map.
func (m *Manager) MarkOutgoingRequestAsSent(txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, txnID)
}

func deviceFailureKey(k identity.Key) string {
	return k.UserID + "|" + k.DeviceID
}
