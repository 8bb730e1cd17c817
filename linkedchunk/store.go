package linkedchunk

import "context"

// Store is the persistence contract for the relational linked chunk.
// ApplyUpdates plays a batch of Update records against
// the relational tables; the Load operations reconstruct the live structure
// from them, detecting malformed-store conditions as they load.
type Store interface {
	// ApplyUpdates applies updates to room's chunks/items rows, in order.
	// The batch is not atomic: it stops at the first failing update, and the
	// updates before it stay applied.
	ApplyUpdates(ctx context.Context, room string, updates []Update) error
	// LoadAllChunks returns every chunk in room with its items sorted by
	// index, in no particular chunk order.
	LoadAllChunks(ctx context.Context, room string) ([]LoadedChunk, error)
	// LoadLastChunk returns the unique chunk with Next == nil. Returns
	// (nil, nil) if room has no chunks; returns a *MalformedStoreError if
	// room has chunks but none (or more than one) has Next == nil.
	LoadLastChunk(ctx context.Context, room string) (*LoadedChunk, error)
	// LoadPreviousChunk returns the chunk whose Next == before, or
	// (nil, nil) if before is the first chunk.
	LoadPreviousChunk(ctx context.Context, room string, before ChunkID) (*LoadedChunk, error)
}
