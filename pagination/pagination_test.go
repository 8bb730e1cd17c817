package pagination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"go.matrixcore.dev/core/linkedchunk"
	lcmemory "go.matrixcore.dev/core/linkedchunk/memory"
)

type scriptedSource struct {
	mu      sync.Mutex
	results []sourceResult
	calls   int
	block   chan struct{}
}

type sourceResult struct {
	hitStart bool
	added    int
	err      error
}

func (s *scriptedSource) PaginateBackwards(ctx context.Context, n int) (bool, int, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return true, 0, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.hitStart, r.added, r.err
}

func fastLimiter() Option {
	return WithLimiter(rate.NewLimiter(rate.Inf, 1))
}

func TestLiveRetriesEmptyBatches(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{
		{hitStart: false, added: 0},
		{hitStart: false, added: 0},
		{hitStart: false, added: 5},
	}}
	c := NewLive(src, fastLimiter())

	hitStart, err := c.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, hitStart)
	require.Equal(t, 3, src.calls)
}

func TestLiveGivesUpAfterRetryBudget(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{
		{}, {}, {}, {}, {},
	}}
	c := NewLive(src, fastLimiter())

	hitStart, err := c.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, hitStart)
	require.Equal(t, maxEmptyRetries, src.calls)
}

func TestFocusedReturnsSourceResultVerbatim(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{{hitStart: true, added: 0}}}
	c := NewFocused(src, fastLimiter())

	hitStart, err := c.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, hitStart)
	require.Equal(t, 1, src.calls, "focused mode never retries empty batches")
}

func TestConcurrentPaginationReportsNotAtStart(t *testing.T) {
	block := make(chan struct{})
	src := &scriptedSource{
		results: []sourceResult{{hitStart: true}},
		block:   block,
	}
	c := NewLive(src, fastLimiter())

	done := make(chan struct{})
	go func() {
		defer close(done)
		hitStart, err := c.PaginateBackwards(context.Background(), 10)
		require.NoError(t, err)
		require.True(t, hitStart)
	}()

	// Wait until the first call holds the pagination lock.
	require.Eventually(t, func() bool {
		if c.paginating.TryLock() {
			c.paginating.Unlock()
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	hitStart, err := c.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, hitStart, "concurrent pagination reports hit_start = false")

	close(block)
	<-done
}

func TestStatusStreamDeduplicates(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{
		{hitStart: false, added: 3},
		{hitStart: true, added: 2},
	}}
	c := NewLive(src, fastLimiter())

	ctx := context.Background()
	statuses, cancel := c.Subscribe(ctx)
	defer cancel()

	require.Equal(t, Status(Idle{}), <-statuses, "initial status is idle")

	_, err := c.PaginateBackwards(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Status(Paginating{}), <-statuses)
	require.Equal(t, Status(Idle{}), <-statuses)

	_, err = c.PaginateBackwards(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Status(Paginating{}), <-statuses)
	require.Equal(t, Status(Idle{HitStartOfTimeline: true}), <-statuses)
}

func TestErrorKeepsPreviousHitStart(t *testing.T) {
	src := &scriptedSource{results: []sourceResult{
		{hitStart: true},
		{err: errors.New("network down")},
	}}
	c := NewLive(src, fastLimiter())
	ctx := context.Background()

	hitStart, err := c.PaginateBackwards(ctx, 10)
	require.NoError(t, err)
	require.True(t, hitStart)

	hitStart, err = c.PaginateBackwards(ctx, 10)
	require.Error(t, err)
	require.False(t, hitStart)

	statuses, cancel := c.Subscribe(ctx)
	defer cancel()
	require.Equal(t, Status(Idle{HitStartOfTimeline: true}), <-statuses, "the failed call leaves the previous hit-start in the status")
}

// --- live source over the relational linked chunk ---

type scriptedFetcher struct {
	batches map[string]Batch
	calls   []string
}

func (f *scriptedFetcher) FetchPrevBatch(_ context.Context, token string, _ int) (Batch, error) {
	f.calls = append(f.calls, token)
	b, ok := f.batches[token]
	if !ok {
		return Batch{}, errors.New("unknown token")
	}
	return b, nil
}

func seedRoom(t *testing.T, store linkedchunk.Store, room string) (gap, items linkedchunk.ChunkID) {
	t.Helper()
	gap = "gap-0"
	items = "items-0"
	gapID := gap
	require.NoError(t, store.ApplyUpdates(context.Background(), room, []linkedchunk.Update{
		linkedchunk.NewGapChunk{New: gap, GapToken: "tok-0"},
		linkedchunk.NewItemsChunk{Prev: &gapID, New: items},
		linkedchunk.PushItems{
			At:          linkedchunk.Position{Chunk: items, Index: 0},
			Items:       [][]byte{[]byte(`{"id":"$e9"}`)},
			PayloadTags: []string{"event"},
		},
	}))
	return gap, items
}

func TestLiveSourceResolvesOldestGap(t *testing.T) {
	store := lcmemory.New()
	room := "!r:example.org"
	_, itemsID := seedRoom(t, store, room)

	fetcher := &scriptedFetcher{batches: map[string]Batch{
		"tok-0": {
			Events:    [][]byte{[]byte(`{"id":"$e1"}`), []byte(`{"id":"$e2"}`)},
			EventTags: []string{"event", "event"},
			PrevBatch: "tok-1",
		},
	}}

	var fed [][]byte
	src := NewLiveSource(room, store, fetcher, func(_ context.Context, events [][]byte, _ []string) error {
		fed = append(fed, events...)
		return nil
	})

	hitStart, added, err := src.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, hitStart, "a further prev_batch token means more history")
	require.Equal(t, 2, added)
	require.Len(t, fed, 2)
	require.Equal(t, []string{"tok-0"}, fetcher.calls)

	chunks, err := store.LoadAllChunks(context.Background(), room)
	require.NoError(t, err)
	require.Len(t, chunks, 3, "new gap + fetched items + original items")

	var kinds []linkedchunk.ChunkKind
	first, err := store.LoadLastChunk(context.Background(), room)
	require.NoError(t, err)
	require.Equal(t, itemsID, first.Chunk.ID)
	for _, c := range chunks {
		kinds = append(kinds, c.Chunk.Kind)
		if c.Chunk.Kind == linkedchunk.KindGap {
			require.Equal(t, "tok-1", c.Chunk.GapToken)
			require.Empty(t, c.Items)
		}
	}
	require.Contains(t, kinds, linkedchunk.KindGap)
}

func TestLiveSourceHitsStartWhenGapDrains(t *testing.T) {
	store := lcmemory.New()
	room := "!r:example.org"
	seedRoom(t, store, room)

	fetcher := &scriptedFetcher{batches: map[string]Batch{
		"tok-0": {
			Events:    [][]byte{[]byte(`{"id":"$e1"}`)},
			EventTags: []string{"event"},
		},
	}}
	src := NewLiveSource(room, store, fetcher, nil)

	hitStart, added, err := src.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, hitStart)
	require.Equal(t, 1, added)

	// With no gaps left the next call reports the start without fetching.
	hitStart, added, err = src.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, hitStart)
	require.Zero(t, added)
	require.Len(t, fetcher.calls, 1)
}

func TestLiveSourceAdvancesTokenOnEmptyBatch(t *testing.T) {
	store := lcmemory.New()
	room := "!r:example.org"
	seedRoom(t, store, room)

	fetcher := &scriptedFetcher{batches: map[string]Batch{
		"tok-0": {PrevBatch: "tok-1"},
		"tok-1": {Events: [][]byte{[]byte(`{"id":"$e1"}`)}, EventTags: []string{"event"}},
	}}
	src := NewLiveSource(room, store, fetcher, nil)

	hitStart, added, err := src.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.False(t, hitStart)
	require.Zero(t, added)

	hitStart, added, err = src.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, hitStart)
	require.Equal(t, 1, added)
	require.Equal(t, []string{"tok-0", "tok-1"}, fetcher.calls)
}

func TestLiveSourceEmptyRoomIsAtStart(t *testing.T) {
	store := lcmemory.New()
	src := NewLiveSource("!empty:example.org", store, &scriptedFetcher{}, nil)

	hitStart, added, err := src.PaginateBackwards(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, hitStart)
	require.Zero(t, added)
}
