// Package pagination implements the Pagination Controller:
// it drives backward chunk fetches against the relational linked chunk,
// and publishes a deduplicated Idle/Paginating status stream.
package pagination

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.matrixcore.dev/core/telemetry"
)

// Status is the closed sum of pagination states published to observers.
type Status interface {
	isStatus()
}

type (
	// Idle means no pagination is in flight. HitStartOfTimeline reports
	// whether the last backward pagination reached the start of history.
	Idle struct {
		HitStartOfTimeline bool
	}

	// Paginating means a backward pagination is in flight.
	Paginating struct{}
)

func (Idle) isStatus()       {}
func (Paginating) isStatus() {}

// Source is one pagination strategy. PaginateBackwards attempts to extend
// history backwards by up to n events, reporting whether the start of the
// timeline was reached and how many events were added.
type Source interface {
	PaginateBackwards(ctx context.Context, n int) (hitStart bool, added int, err error)
}

// maxEmptyRetries bounds how many fetches one live-mode call makes while
// they keep returning empty-but-not-at-start results: after that many
// consecutive empty results the call gives up. The transport may
// legitimately return empty chunks.
const maxEmptyRetries = 3

// Controller serializes backward paginations over a Source and publishes
// status transitions. Construct with NewLive or NewFocused.
type Controller struct {
	source     Source
	retryEmpty bool
	limiter    *rate.Limiter

	paginating sync.Mutex

	mu       sync.Mutex
	last     Status
	hitStart bool
	subs     []chan Status

	log telemetry.Logger
}

// Option configures optional collaborators of a Controller.
type Option func(*Controller)

// WithLogger overrides the controller's logger; defaults to telemetry.NoopLogger.
func WithLogger(l telemetry.Logger) Option { return func(c *Controller) { c.log = l } }

// WithLimiter overrides the pacing limiter applied before each backward
// fetch. The default allows a burst of one fetch per 100ms.
func WithLimiter(l *rate.Limiter) Option { return func(c *Controller) { c.limiter = l } }

// NewLive returns a controller in live mode: pagination goes through the
// event cache, and an empty-but-not-at-start result is retried.
func NewLive(source Source, opts ...Option) *Controller {
	return newController(source, true, opts...)
}

// NewFocused returns a controller in focused mode (pinned events,
// permalinks): pagination goes through an external paginator and its
// result is returned as reported.
func NewFocused(source Source, opts ...Option) *Controller {
	return newController(source, false, opts...)
}

func newController(source Source, retryEmpty bool, opts ...Option) *Controller {
	c := &Controller{
		source:     source,
		retryEmpty: retryEmpty,
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		last:       Idle{},
		log:        telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PaginateBackwards runs one backward pagination of up to n events and
// reports whether the start of the timeline has been reached. A pagination
// already in flight is not an error: the call reports hitStart = false so
// the caller reattempts.
func (c *Controller) PaginateBackwards(ctx context.Context, n int) (bool, error) {
	if !c.paginating.TryLock() {
		c.log.Debug(ctx, "pagination: already in flight")
		return false, nil
	}
	defer c.paginating.Unlock()

	c.publish(ctx, Paginating{})

	hitStart, err := c.paginate(ctx, n)
	if err != nil {
		c.publish(ctx, Idle{HitStartOfTimeline: c.hitStartLocked()})
		return false, err
	}

	c.mu.Lock()
	c.hitStart = hitStart
	c.mu.Unlock()
	c.publish(ctx, Idle{HitStartOfTimeline: hitStart})
	return hitStart, nil
}

func (c *Controller) paginate(ctx context.Context, n int) (bool, error) {
	retries := maxEmptyRetries
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
		hitStart, added, err := c.source.PaginateBackwards(ctx, n)
		if err != nil {
			return false, err
		}
		if hitStart || added > 0 || !c.retryEmpty {
			return hitStart, nil
		}
		retries--
		if retries == 0 {
			c.log.Warn(ctx, "pagination: empty batches exhausted retries")
			return false, nil
		}
		c.log.Debug(ctx, "pagination: empty batch, retrying")
	}
}

func (c *Controller) hitStartLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitStart
}

// Subscribe registers a status observer. The current status is delivered
// immediately; subsequent transitions are delivered deduplicated. The
// returned cancel func unregisters the observer.
func (c *Controller) Subscribe(ctx context.Context) (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.mu.Lock()
	ch <- c.last
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// publish records the new status and fans it out, skipping the send when it
// equals the previous status (the stream is deduplicated).
func (c *Controller) publish(ctx context.Context, s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == s {
		return
	}
	c.last = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			c.log.Warn(ctx, "pagination: dropping status for slow subscriber")
		}
	}
}
