package pagination

import (
	"context"

	"go.matrixcore.dev/core/internal/idgen"
	"go.matrixcore.dev/core/linkedchunk"
)

// Batch is one page of older events returned by a Fetcher, ordered oldest
// first. An empty PrevBatch token means the start of the room's history has
// been reached.
type Batch struct {
	Events    [][]byte
	EventTags []string
	PrevBatch string
}

// Fetcher resolves a gap token into the next older batch of events. It is
// backed by the transport's messages endpoint; the controller never sees
// HTTP.
type Fetcher interface {
	FetchPrevBatch(ctx context.Context, token string, limit int) (Batch, error)
}

// LiveSource paginates a room's history through the relational linked
// chunk: it finds the oldest chunk, resolves its gap through the Fetcher,
// and replaces the gap with the fetched items (plus a new gap when more
// history remains).
type LiveSource struct {
	room    string
	store   linkedchunk.Store
	fetcher Fetcher

	// onEvents, when set, receives each fetched batch's payloads (oldest
	// first) so the caller can feed them to the timeline handler as
	// back-paginated events.
	onEvents func(ctx context.Context, events [][]byte, tags []string) error
}

var _ Source = (*LiveSource)(nil)

// NewLiveSource constructs a live pagination source for room. onEvents may
// be nil.
func NewLiveSource(room string, store linkedchunk.Store, fetcher Fetcher, onEvents func(ctx context.Context, events [][]byte, tags []string) error) *LiveSource {
	return &LiveSource{room: room, store: store, fetcher: fetcher, onEvents: onEvents}
}

// PaginateBackwards resolves the oldest gap of the room, if any. It reports
// hitStart = true when the oldest chunk is not a gap (all history loaded)
// or when the fetched batch carries no further prev_batch token.
func (s *LiveSource) PaginateBackwards(ctx context.Context, n int) (bool, int, error) {
	first, err := s.firstChunk(ctx)
	if err != nil {
		return false, 0, err
	}
	if first == nil {
		// An empty room has no history to paginate.
		return true, 0, nil
	}
	if first.Chunk.Kind != linkedchunk.KindGap {
		return true, 0, nil
	}

	batch, err := s.fetcher.FetchPrevBatch(ctx, first.Chunk.GapToken, n)
	if err != nil {
		return false, 0, err
	}

	updates := s.resolveGap(first.Chunk, batch)
	if err := s.store.ApplyUpdates(ctx, s.room, updates); err != nil {
		return false, 0, err
	}
	if s.onEvents != nil && len(batch.Events) > 0 {
		if err := s.onEvents(ctx, batch.Events, batch.EventTags); err != nil {
			return false, 0, err
		}
	}
	return batch.PrevBatch == "", len(batch.Events), nil
}

// firstChunk walks previous links from the last chunk to the front of the
// room's history.
func (s *LiveSource) firstChunk(ctx context.Context) (*linkedchunk.LoadedChunk, error) {
	current, err := s.store.LoadLastChunk(ctx, s.room)
	if err != nil || current == nil {
		return current, err
	}
	for {
		prev, err := s.store.LoadPreviousChunk(ctx, s.room, current.Chunk.ID)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			return current, nil
		}
		current = prev
	}
}

// resolveGap builds the update batch that swaps gap for the fetched items,
// prepending a fresh gap when more history remains behind the batch.
func (s *LiveSource) resolveGap(gap linkedchunk.Chunk, batch Batch) []linkedchunk.Update {
	var updates []linkedchunk.Update

	if len(batch.Events) == 0 {
		if batch.PrevBatch == "" {
			// The gap resolved to nothing at all: history starts here.
			updates = append(updates, linkedchunk.RemoveChunk{ID: gap.ID})
		} else if batch.PrevBatch != gap.GapToken {
			// Empty chunk but more history behind it: advance the gap token
			// so the retry makes progress.
			gapID := gap.ID
			newGapID := linkedchunk.ChunkID(idgen.ChunkID())
			updates = append(updates,
				linkedchunk.NewGapChunk{New: newGapID, Next: &gapID, GapToken: batch.PrevBatch},
				linkedchunk.RemoveChunk{ID: gap.ID},
			)
		}
		return updates
	}

	itemsID := linkedchunk.ChunkID(idgen.ChunkID())
	gapID := gap.ID
	updates = append(updates, linkedchunk.NewItemsChunk{
		Prev: nil,
		New:  itemsID,
		Next: &gapID,
	})
	tags := batch.EventTags
	if tags == nil {
		tags = make([]string, len(batch.Events))
	}
	updates = append(updates, linkedchunk.PushItems{
		At:          linkedchunk.Position{Chunk: itemsID, Index: 0},
		Items:       batch.Events,
		PayloadTags: tags,
	})
	if batch.PrevBatch != "" {
		newGapID := linkedchunk.ChunkID(idgen.ChunkID())
		updates = append(updates, linkedchunk.NewGapChunk{
			Prev:     nil,
			New:      newGapID,
			Next:     &itemsID,
			GapToken: batch.PrevBatch,
		})
	}
	updates = append(updates, linkedchunk.RemoveChunk{ID: gap.ID})
	return updates
}
