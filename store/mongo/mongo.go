// Package mongo is a store.Store implementation backed by MongoDB, used in
// production deployments that need session/device state to survive process
// restarts.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/identity"
	"go.matrixcore.dev/core/store"
)

const (
	defaultSessionsCollection = "olm_sessions"
	defaultDevicesCollection  = "olm_devices"
	defaultOpTimeout          = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client             *mongo.Client
	Database           string
	SessionsCollection string
	DevicesCollection  string
	Timeout            time.Duration
}

// Store is a store.Store implementation backed by MongoDB.
type Store struct {
	sessions *mongo.Collection
	devices  *mongo.Collection
	timeout  time.Duration
}

var _ store.Store = (*Store)(nil)

type sessionDoc struct {
	CurveKey  string    `bson:"curve_key"`
	SessionID string    `bson:"session_id"`
	Pickle    []byte    `bson:"pickle"`
	CreatedAt time.Time `bson:"created_at"`
}

type deviceDoc struct {
	UserID     string   `bson:"user_id"`
	DeviceID   string   `bson:"device_id"`
	CurveKey   string   `bson:"curve_key"`
	Ed25519Key string   `bson:"ed25519_key"`
	Algorithms []string `bson:"algorithms"`
}

// New builds a Store backed by an existing Mongo client, creating the indexes
// that enforce one session document per (curve_key, session_id) and one
// device document per (user_id, device_id).
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	sessionsName := opts.SessionsCollection
	if sessionsName == "" {
		sessionsName = defaultSessionsCollection
	}
	devicesName := opts.DevicesCollection
	if devicesName == "" {
		devicesName = defaultDevicesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	sessions := db.Collection(sessionsName)
	devices := db.Collection(devicesName)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "curve_key", Value: 1}, {Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}
	if _, err := devices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}

	return &Store{sessions: sessions, devices: devices, timeout: timeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// SaveChanges persists the batch. Sessions are upserted keyed by
// (curve_key, session_id); devices keyed by (user_id, device_id).
func (s *Store) SaveChanges(ctx context.Context, changes store.Changes) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, rec := range changes.Sessions {
		filter := bson.M{"curve_key": string(rec.CurveKey), "session_id": string(rec.ID)}
		update := bson.M{"$set": sessionDoc{
			CurveKey:  string(rec.CurveKey),
			SessionID: string(rec.ID),
			Pickle:    rec.Pickle,
			CreatedAt: rec.CreatedAt.UTC(),
		}}
		if _, err := s.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
			return err
		}
	}
	for _, dev := range changes.Devices {
		filter := bson.M{"user_id": dev.UserID, "device_id": dev.DeviceID}
		update := bson.M{"$set": deviceDoc{
			UserID:     dev.UserID,
			DeviceID:   dev.DeviceID,
			CurveKey:   string(dev.CurveKey),
			Ed25519Key: string(dev.Ed25519Key),
			Algorithms: dev.Algorithms,
		}}
		if _, err := s.devices.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
			return err
		}
	}
	return nil
}

// GetSessions returns every session recorded for curveKey, oldest-first.
func (s *Store) GetSessions(ctx context.Context, curveKey crypto.CurveKey) (store.SessionList, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.sessions.Find(ctx, bson.M{"curve_key": string(curveKey)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "session_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out store.SessionList
	for cur.Next(ctx) {
		var doc sessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, store.SessionRecord{
			ID:        crypto.SessionID(doc.SessionID),
			CurveKey:  crypto.CurveKey(doc.CurveKey),
			Pickle:    doc.Pickle,
			CreatedAt: doc.CreatedAt,
		})
	}
	return out, cur.Err()
}

// GetDevice returns the identity record for (userID, deviceID).
func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (identity.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc deviceDoc
	err := s.devices.FindOne(ctx, bson.M{"user_id": userID, "device_id": deviceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return identity.Device{}, store.ErrDeviceNotFound
	}
	if err != nil {
		return identity.Device{}, err
	}
	return docToDevice(doc), nil
}

// GetUserDevices returns every device recorded for userID.
func (s *Store) GetUserDevices(ctx context.Context, userID string) ([]identity.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.devices.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []identity.Device
	for cur.Next(ctx) {
		var doc deviceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToDevice(doc))
	}
	return out, cur.Err()
}

func docToDevice(doc deviceDoc) identity.Device {
	return identity.Device{
		UserID:     doc.UserID,
		DeviceID:   doc.DeviceID,
		CurveKey:   crypto.CurveKey(doc.CurveKey),
		Ed25519Key: crypto.Ed25519Key(doc.Ed25519Key),
		Algorithms: doc.Algorithms,
	}
}
