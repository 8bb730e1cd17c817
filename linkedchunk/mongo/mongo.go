// Package mongo is a linkedchunk.Store backed by MongoDB's `chunks` and
// `items` collections, the persisted form of the relational linked chunk.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.matrixcore.dev/core/linkedchunk"
)

const (
	defaultChunksCollection = "chunks"
	defaultItemsCollection  = "items"
	defaultOpTimeout        = 5 * time.Second
)

// Options configures the Mongo-backed linkedchunk.Store.
type Options struct {
	Client           *mongo.Client
	Database         string
	ChunksCollection string
	ItemsCollection  string
	Timeout          time.Duration
}

// Store is a linkedchunk.Store implementation backed by MongoDB.
type Store struct {
	chunks  *mongo.Collection
	items   *mongo.Collection
	timeout time.Duration
}

var _ linkedchunk.Store = (*Store)(nil)

type chunkDoc struct {
	Room     string  `bson:"room"`
	ChunkID  string  `bson:"chunk_id"`
	Kind     int     `bson:"kind"`
	Prev     *string `bson:"prev,omitempty"`
	Next     *string `bson:"next,omitempty"`
	GapToken string  `bson:"gap_token,omitempty"`
}

type itemDoc struct {
	Room       string `bson:"room"`
	ChunkID    string `bson:"chunk_id"`
	Index      int    `bson:"index"`
	PayloadTag string `bson:"payload_tag,omitempty"`
	Payload    []byte `bson:"payload"`
}

// New builds a Store backed by an existing Mongo client.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	chunksName := opts.ChunksCollection
	if chunksName == "" {
		chunksName = defaultChunksCollection
	}
	itemsName := opts.ItemsCollection
	if itemsName == "" {
		itemsName = defaultItemsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	chunks := db.Collection(chunksName)
	items := db.Collection(itemsName)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := chunks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room", Value: 1}, {Key: "chunk_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}
	if _, err := items.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room", Value: 1}, {Key: "chunk_id", Value: 1}, {Key: "index", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}

	return &Store{chunks: chunks, items: items, timeout: timeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func chunkIDPtr(id *linkedchunk.ChunkID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

// ApplyUpdates applies updates to room's documents in order. Each update
// runs as its own round-trip; callers that need cross-update atomicity
// should wrap the call in a Mongo session/transaction.
func (s *Store) ApplyUpdates(ctx context.Context, room string, updates []linkedchunk.Update) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, u := range updates {
		if err := s.applyOne(ctx, room, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyOne(ctx context.Context, room string, u linkedchunk.Update) error {
	switch v := u.(type) {
	case linkedchunk.NewItemsChunk:
		return s.insertChunk(ctx, room, v.Prev, v.New, v.Next, linkedchunk.KindItems, "")
	case linkedchunk.NewGapChunk:
		return s.insertChunk(ctx, room, v.Prev, v.New, v.Next, linkedchunk.KindGap, v.GapToken)
	case linkedchunk.RemoveChunk:
		return s.removeChunk(ctx, room, v.ID)
	case linkedchunk.PushItems:
		return s.pushItems(ctx, room, v)
	case linkedchunk.ReplaceItem:
		_, err := s.items.UpdateOne(ctx,
			bson.M{"room": room, "chunk_id": string(v.At.Chunk), "index": v.At.Index},
			bson.M{"$set": bson.M{"payload": v.Payload, "payload_tag": v.PayloadTag}})
		return err
	case linkedchunk.RemoveItem:
		return s.removeItem(ctx, room, v.At)
	case linkedchunk.DetachLastItems:
		_, err := s.items.DeleteMany(ctx, bson.M{
			"room": room, "chunk_id": string(v.At.Chunk), "index": bson.M{"$gte": v.At.Index},
		})
		return err
	case linkedchunk.StartReattachItems, linkedchunk.EndReattachItems:
		return nil
	case linkedchunk.Clear:
		if _, err := s.chunks.DeleteMany(ctx, bson.M{"room": v.Room}); err != nil {
			return err
		}
		_, err := s.items.DeleteMany(ctx, bson.M{"room": v.Room})
		return err
	default:
		return errors.New("linkedchunk/mongo: unknown update type")
	}
}

func (s *Store) insertChunk(ctx context.Context, room string, prev *linkedchunk.ChunkID, id linkedchunk.ChunkID, next *linkedchunk.ChunkID, kind linkedchunk.ChunkKind, gapToken string) error {
	if _, err := s.chunks.InsertOne(ctx, chunkDoc{
		Room: room, ChunkID: string(id), Kind: int(kind),
		Prev: chunkIDPtr(prev), Next: chunkIDPtr(next), GapToken: gapToken,
	}); err != nil {
		return err
	}
	if prev != nil {
		if _, err := s.chunks.UpdateOne(ctx,
			bson.M{"room": room, "chunk_id": string(*prev)},
			bson.M{"$set": bson.M{"next": string(id)}}); err != nil {
			return err
		}
	}
	if next != nil {
		if _, err := s.chunks.UpdateOne(ctx,
			bson.M{"room": room, "chunk_id": string(*next)},
			bson.M{"$set": bson.M{"prev": string(id)}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removeChunk(ctx context.Context, room string, id linkedchunk.ChunkID) error {
	var doc chunkDoc
	if err := s.chunks.FindOne(ctx, bson.M{"room": room, "chunk_id": string(id)}).Decode(&doc); err != nil {
		return err
	}
	if doc.Prev != nil {
		if _, err := s.chunks.UpdateOne(ctx,
			bson.M{"room": room, "chunk_id": *doc.Prev},
			bson.M{"$set": bson.M{"next": doc.Next}}); err != nil {
			return err
		}
	}
	if doc.Next != nil {
		if _, err := s.chunks.UpdateOne(ctx,
			bson.M{"room": room, "chunk_id": *doc.Next},
			bson.M{"$set": bson.M{"prev": doc.Prev}}); err != nil {
			return err
		}
	}
	if _, err := s.chunks.DeleteOne(ctx, bson.M{"room": room, "chunk_id": string(id)}); err != nil {
		return err
	}
	_, err := s.items.DeleteMany(ctx, bson.M{"room": room, "chunk_id": string(id)})
	return err
}

func (s *Store) pushItems(ctx context.Context, room string, v linkedchunk.PushItems) error {
	for i, payload := range v.Items {
		tag := ""
		if i < len(v.PayloadTags) {
			tag = v.PayloadTags[i]
		}
		idx := v.At.Index + i
		if _, err := s.items.UpdateOne(ctx,
			bson.M{"room": room, "chunk_id": string(v.At.Chunk), "index": idx},
			bson.M{"$set": itemDoc{Room: room, ChunkID: string(v.At.Chunk), Index: idx, Payload: payload, PayloadTag: tag}},
			options.UpdateOne().SetUpsert(true)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removeItem(ctx context.Context, room string, at linkedchunk.Position) error {
	if _, err := s.items.DeleteOne(ctx, bson.M{"room": room, "chunk_id": string(at.Chunk), "index": at.Index}); err != nil {
		return err
	}
	cur, err := s.items.Find(ctx, bson.M{"room": room, "chunk_id": string(at.Chunk), "index": bson.M{"$gt": at.Index}})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var doc itemDoc
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		if _, err := s.items.UpdateOne(ctx,
			bson.M{"room": room, "chunk_id": string(at.Chunk), "index": doc.Index},
			bson.M{"$set": bson.M{"index": doc.Index - 1}}); err != nil {
			return err
		}
	}
	return cur.Err()
}

// LoadAllChunks returns every chunk in room with items sorted by index.
func (s *Store) LoadAllChunks(ctx context.Context, room string) ([]linkedchunk.LoadedChunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.chunks.Find(ctx, bson.M{"room": room})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []linkedchunk.LoadedChunk
	for cur.Next(ctx) {
		var doc chunkDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		c := docToChunk(room, doc)
		items, err := s.loadItems(ctx, room, c)
		if err != nil {
			return nil, err
		}
		out = append(out, linkedchunk.LoadedChunk{Chunk: c, Items: items})
	}
	return out, cur.Err()
}

func (s *Store) loadItems(ctx context.Context, room string, c linkedchunk.Chunk) ([]linkedchunk.Item, error) {
	cur, err := s.items.Find(ctx,
		bson.M{"room": room, "chunk_id": string(c.ID)},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var items []linkedchunk.Item
	for cur.Next(ctx) {
		var doc itemDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		items = append(items, linkedchunk.Item{
			Room: room, ChunkID: c.ID, Index: doc.Index, Payload: doc.Payload, PayloadTag: doc.PayloadTag,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if c.Kind == linkedchunk.KindGap && len(items) > 0 {
		return nil, &linkedchunk.MalformedStoreError{Room: room, Reason: "gap chunk holds item rows"}
	}
	return items, nil
}

// LoadLastChunk returns the unique chunk with next == nil.
func (s *Store) LoadLastChunk(ctx context.Context, room string) (*linkedchunk.LoadedChunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.chunks.Find(ctx, bson.M{"room": room, "next": nil})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []chunkDoc
	for cur.Next(ctx) {
		var doc chunkDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	total, err := s.chunks.CountDocuments(ctx, bson.M{"room": room})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		if total == 0 {
			return nil, nil
		}
		return nil, &linkedchunk.MalformedStoreError{Room: room, Reason: "cycle: no chunk with next = None"}
	}
	if len(docs) > 1 {
		return nil, &linkedchunk.MalformedStoreError{Room: room, Reason: "more than one chunk with next = None"}
	}

	c := docToChunk(room, docs[0])
	items, err := s.loadItems(ctx, room, c)
	if err != nil {
		return nil, err
	}
	return &linkedchunk.LoadedChunk{Chunk: c, Items: items}, nil
}

// LoadPreviousChunk returns the chunk whose next == before.
func (s *Store) LoadPreviousChunk(ctx context.Context, room string, before linkedchunk.ChunkID) (*linkedchunk.LoadedChunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc chunkDoc
	err := s.chunks.FindOne(ctx, bson.M{"room": room, "next": string(before)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := docToChunk(room, doc)
	items, err := s.loadItems(ctx, room, c)
	if err != nil {
		return nil, err
	}
	return &linkedchunk.LoadedChunk{Chunk: c, Items: items}, nil
}

func docToChunk(room string, doc chunkDoc) linkedchunk.Chunk {
	c := linkedchunk.Chunk{
		Room: room, ID: linkedchunk.ChunkID(doc.ChunkID), Kind: linkedchunk.ChunkKind(doc.Kind), GapToken: doc.GapToken,
	}
	if doc.Prev != nil {
		id := linkedchunk.ChunkID(*doc.Prev)
		c.Prev = &id
	}
	if doc.Next != nil {
		id := linkedchunk.ChunkID(*doc.Next)
		c.Next = &id
	}
	return c
}
