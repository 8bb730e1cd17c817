// Package memory is an in-memory linkedchunk.Store, reconstructing the
// relational linked chunk from an applied Update log with no back-pointers:
// chunks and items are looked up by identifier, never by pointer.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.matrixcore.dev/core/linkedchunk"
)

// ErrInvalidLink is returned when an Update references a prev/next chunk
// that does not exist in the same room.
var ErrInvalidLink = errors.New("linkedchunk: update references a chunk not present in this room")

// ErrChunkNotFound is returned when an Update addresses a chunk id that does
// not exist in the room.
var ErrChunkNotFound = errors.New("linkedchunk: chunk not found")

type roomState struct {
	chunks map[linkedchunk.ChunkID]linkedchunk.Chunk
	items  map[linkedchunk.ChunkID]map[int]linkedchunk.Item
}

// Store is an in-memory linkedchunk.Store. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
}

var _ linkedchunk.Store = (*Store)(nil)

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{rooms: make(map[string]*roomState)}
}

func (s *Store) room(name string) *roomState {
	r, ok := s.rooms[name]
	if !ok {
		r = &roomState{
			chunks: make(map[linkedchunk.ChunkID]linkedchunk.Chunk),
			items:  make(map[linkedchunk.ChunkID]map[int]linkedchunk.Item),
		}
		s.rooms[name] = r
	}
	return r
}

// ApplyUpdates applies updates to room in order under a single write lock.
func (s *Store) ApplyUpdates(_ context.Context, room string, updates []linkedchunk.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if clr, ok := u.(linkedchunk.Clear); ok {
			delete(s.rooms, clr.Room)
			continue
		}
		r := s.room(room)
		if err := applyOne(room, r, u); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(room string, r *roomState, u linkedchunk.Update) error {
	switch v := u.(type) {
	case linkedchunk.NewItemsChunk:
		return insertChunk(room, r, v.Prev, v.New, v.Next, linkedchunk.KindItems, "")
	case linkedchunk.NewGapChunk:
		return insertChunk(room, r, v.Prev, v.New, v.Next, linkedchunk.KindGap, v.GapToken)
	case linkedchunk.RemoveChunk:
		return removeChunk(r, v.ID)
	case linkedchunk.PushItems:
		return pushItems(room, r, v)
	case linkedchunk.ReplaceItem:
		return replaceItem(room, r, v)
	case linkedchunk.RemoveItem:
		return removeItem(r, v.At)
	case linkedchunk.DetachLastItems:
		return detachLastItems(r, v.At)
	case linkedchunk.StartReattachItems, linkedchunk.EndReattachItems:
		return nil
	default:
		return errors.New("linkedchunk: unknown update type")
	}
}

func insertChunk(room string, r *roomState, prev *linkedchunk.ChunkID, id linkedchunk.ChunkID, next *linkedchunk.ChunkID, kind linkedchunk.ChunkKind, gapToken string) error {
	if prev != nil {
		if _, ok := r.chunks[*prev]; !ok {
			return ErrInvalidLink
		}
	}
	if next != nil {
		if _, ok := r.chunks[*next]; !ok {
			return ErrInvalidLink
		}
	}

	r.chunks[id] = linkedchunk.Chunk{Room: room, ID: id, Kind: kind, Prev: prev, Next: next, GapToken: gapToken}
	if kind == linkedchunk.KindItems {
		r.items[id] = make(map[int]linkedchunk.Item)
	}

	if prev != nil {
		c := r.chunks[*prev]
		newID := id
		c.Next = &newID
		r.chunks[*prev] = c
	}
	if next != nil {
		c := r.chunks[*next]
		newID := id
		c.Prev = &newID
		r.chunks[*next] = c
	}
	return nil
}

func removeChunk(r *roomState, id linkedchunk.ChunkID) error {
	c, ok := r.chunks[id]
	if !ok {
		return ErrChunkNotFound
	}
	if c.Prev != nil {
		p := r.chunks[*c.Prev]
		p.Next = c.Next
		r.chunks[*c.Prev] = p
	}
	if c.Next != nil {
		n := r.chunks[*c.Next]
		n.Prev = c.Prev
		r.chunks[*c.Next] = n
	}
	delete(r.chunks, id)
	delete(r.items, id)
	return nil
}

func pushItems(room string, r *roomState, v linkedchunk.PushItems) error {
	byIndex, ok := r.items[v.At.Chunk]
	if !ok {
		return ErrChunkNotFound
	}
	for i, payload := range v.Items {
		tag := ""
		if i < len(v.PayloadTags) {
			tag = v.PayloadTags[i]
		}
		idx := v.At.Index + i
		byIndex[idx] = linkedchunk.Item{Room: room, ChunkID: v.At.Chunk, Index: idx, Payload: payload, PayloadTag: tag}
	}
	return nil
}

func replaceItem(room string, r *roomState, v linkedchunk.ReplaceItem) error {
	byIndex, ok := r.items[v.At.Chunk]
	if !ok {
		return ErrChunkNotFound
	}
	if _, ok := byIndex[v.At.Index]; !ok {
		return ErrChunkNotFound
	}
	byIndex[v.At.Index] = linkedchunk.Item{Room: room, ChunkID: v.At.Chunk, Index: v.At.Index, Payload: v.Payload, PayloadTag: v.PayloadTag}
	return nil
}

func removeItem(r *roomState, at linkedchunk.Position) error {
	byIndex, ok := r.items[at.Chunk]
	if !ok {
		return ErrChunkNotFound
	}
	if _, ok := byIndex[at.Index]; !ok {
		return ErrChunkNotFound
	}
	delete(byIndex, at.Index)
	// Keep indices contiguous: shift every later item down by one.
	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		if idx > at.Index {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	for _, idx := range indices {
		item := byIndex[idx]
		delete(byIndex, idx)
		item.Index = idx - 1
		byIndex[idx-1] = item
	}
	return nil
}

func detachLastItems(r *roomState, at linkedchunk.Position) error {
	byIndex, ok := r.items[at.Chunk]
	if !ok {
		return ErrChunkNotFound
	}
	for idx := range byIndex {
		if idx >= at.Index {
			delete(byIndex, idx)
		}
	}
	return nil
}

// LoadAllChunks returns every chunk in room with items sorted by index.
func (s *Store) LoadAllChunks(_ context.Context, room string) ([]linkedchunk.LoadedChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, nil
	}

	out := make([]linkedchunk.LoadedChunk, 0, len(r.chunks))
	for id, c := range r.chunks {
		items, err := sortedItems(room, r, id, c)
		if err != nil {
			return nil, err
		}
		out = append(out, linkedchunk.LoadedChunk{Chunk: c, Items: items})
	}
	return out, nil
}

func sortedItems(room string, r *roomState, id linkedchunk.ChunkID, c linkedchunk.Chunk) ([]linkedchunk.Item, error) {
	byIndex := r.items[id]
	if c.Kind == linkedchunk.KindGap && len(byIndex) > 0 {
		return nil, &linkedchunk.MalformedStoreError{Room: room, Reason: "gap chunk holds item rows"}
	}
	items := make([]linkedchunk.Item, 0, len(byIndex))
	for _, it := range byIndex {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return items, nil
}

// LoadLastChunk returns the unique chunk with Next == nil.
func (s *Store) LoadLastChunk(_ context.Context, room string) (*linkedchunk.LoadedChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok || len(r.chunks) == 0 {
		return nil, nil
	}

	var last *linkedchunk.Chunk
	for _, c := range r.chunks {
		if c.Next == nil {
			if last != nil {
				return nil, &linkedchunk.MalformedStoreError{Room: room, Reason: "more than one chunk with next = None"}
			}
			cc := c
			last = &cc
		}
	}
	if last == nil {
		return nil, &linkedchunk.MalformedStoreError{Room: room, Reason: "cycle: no chunk with next = None"}
	}
	items, err := sortedItems(room, r, last.ID, *last)
	if err != nil {
		return nil, err
	}
	return &linkedchunk.LoadedChunk{Chunk: *last, Items: items}, nil
}

// LoadPreviousChunk returns the chunk whose Next == before.
func (s *Store) LoadPreviousChunk(_ context.Context, room string, before linkedchunk.ChunkID) (*linkedchunk.LoadedChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[room]
	if !ok {
		return nil, ErrChunkNotFound
	}
	for id, c := range r.chunks {
		if c.Next != nil && *c.Next == before {
			items, err := sortedItems(room, r, id, c)
			if err != nil {
				return nil, err
			}
			return &linkedchunk.LoadedChunk{Chunk: c, Items: items}, nil
		}
	}
	return nil, nil
}
