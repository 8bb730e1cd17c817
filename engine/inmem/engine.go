// Package inmem provides an in-memory implementation of the sweep engine
// for testing, development, and single-process runs.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.matrixcore.dev/core/engine"
	"go.matrixcore.dev/core/telemetry"
)

type eng struct {
	log telemetry.Logger

	mu      sync.Mutex
	sweeps  map[string]engine.Sweep
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the in-memory engine.
type Option func(*eng)

// WithLogger overrides the engine's logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(e *eng) { e.log = l } }

// New returns an in-memory Engine that runs each sweep on a plain ticker.
// It is not durable: sweeps stop when the process exits.
func New(opts ...Option) engine.Engine {
	e := &eng{
		log:    telemetry.NoopLogger{},
		sweeps: make(map[string]engine.Sweep),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *eng) RegisterSweep(_ context.Context, s engine.Sweep) error {
	if s.Name == "" || s.Handler == nil {
		return errors.New("invalid sweep definition")
	}
	if s.Every <= 0 {
		return fmt.Errorf("sweep %q: interval must be positive", s.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	if _, dup := e.sweeps[s.Name]; dup {
		return fmt.Errorf("sweep %q already registered", s.Name)
	}
	e.sweeps[s.Name] = s
	return nil
}

func (e *eng) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	for _, s := range e.sweeps {
		e.wg.Add(1)
		go e.run(runCtx, s)
	}
	return nil
}

func (e *eng) run(ctx context.Context, s engine.Sweep) {
	defer e.wg.Done()
	ticker := time.NewTicker(s.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runOnce(ctx, s)
		}
	}
}

func (e *eng) runOnce(ctx context.Context, s engine.Sweep) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if err := s.Handler(ctx); err != nil {
		e.log.Error(ctx, "sweep failed", "sweep", s.Name, "err", err)
	}
}

func (e *eng) Close(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
