package linkedchunk

// Update is a closed sum type of mutations applied to the relational linked
// chunk. The unexported
// marker method keeps the set closed to this package's variants.
type Update interface {
	isUpdate()
}

type (
	// NewItemsChunk inserts a new Items chunk between prev and next, fixing
	// up their links. Prev/next must refer to existing chunks in the same
	// room or be nil.
	NewItemsChunk struct {
		Prev *ChunkID
		New  ChunkID
		Next *ChunkID
	}

	// NewGapChunk inserts a new Gap chunk carrying GapToken between prev and
	// next, with the same linking rules as NewItemsChunk.
	NewGapChunk struct {
		Prev     *ChunkID
		New      ChunkID
		Next     *ChunkID
		GapToken string
	}

	// RemoveChunk deletes the chunk and all its item rows, splicing its
	// neighbors together.
	RemoveChunk struct {
		ID ChunkID
	}

	// PushItems appends Items to the chunk identified by At.Chunk, starting
	// at increasing indices from At.Index.
	PushItems struct {
		At    Position
		Items [][]byte
		// PayloadTags is parallel to Items; empty tags are legal.
		PayloadTags []string
	}

	// ReplaceItem overwrites the item at At in place.
	ReplaceItem struct {
		At         Position
		Payload    []byte
		PayloadTag string
	}

	// RemoveItem deletes the item at At, decrementing the index of every
	// later item in the same chunk to keep indices contiguous.
	RemoveItem struct {
		At Position
	}

	// DetachLastItems drops every item in At.Chunk with index >= At.Index.
	DetachLastItems struct {
		At Position
	}

	// StartReattachItems and EndReattachItems bracket a reattachment
	// transaction; the relational store treats them as no-ops but records
	// them in the update log so a lazily-loaded chunk knows a detach/push
	// pair is atomic from the caller's perspective.
	StartReattachItems struct{}
	EndReattachItems   struct{}

	// Clear wipes every chunk and item row for Room, leaving other rooms
	// untouched.
	Clear struct {
		Room string
	}
)

func (NewItemsChunk) isUpdate()      {}
func (NewGapChunk) isUpdate()        {}
func (RemoveChunk) isUpdate()        {}
func (PushItems) isUpdate()          {}
func (ReplaceItem) isUpdate()        {}
func (RemoveItem) isUpdate()         {}
func (DetachLastItems) isUpdate()    {}
func (StartReattachItems) isUpdate() {}
func (EndReattachItems) isUpdate()   {}
func (Clear) isUpdate()              {}
