package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/identity"
	"go.matrixcore.dev/core/store"
)

var (
	testClient    *mongodriver.Client
	testContainer testcontainers.Container
	skipTests     bool
)

func setupMongo(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		t.Logf("docker not available, skipping mongo store tests: %v", containerErr)
		skipTests = true
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		skipTests = true
		return
	}
	port, err := testContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipTests = true
		return
	}
	if err := testClient.Ping(ctx, nil); err != nil {
		skipTests = true
		return
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testClient == nil && !skipTests {
		setupMongo(t)
	}
	if skipTests {
		t.Skip("docker not available, skipping mongo store test")
	}

	ctx := context.Background()
	dbName := "matrixcore_test_" + t.Name()
	require.NoError(t, testClient.Database(dbName).Drop(ctx))

	s, err := New(ctx, Options{
		Client:   testClient,
		Database: dbName,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return s
}

func TestStoreSaveChangesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev := identity.Device{
		UserID:     "@alice:example.org",
		DeviceID:   "DEVICEA",
		CurveKey:   crypto.CurveKey("curve-a"),
		Ed25519Key: crypto.Ed25519Key("ed-a"),
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2"},
	}
	rec := store.SessionRecord{
		ID:        crypto.SessionID("session-1"),
		CurveKey:  dev.CurveKey,
		Pickle:    crypto.Pickle("pickled-bytes"),
		CreatedAt: time.Now().Add(-time.Hour),
	}

	err := s.SaveChanges(ctx, store.Changes{
		Sessions: []store.SessionRecord{rec},
		Devices:  []identity.Device{dev},
	})
	require.NoError(t, err)

	sessions, err := s.GetSessions(ctx, dev.CurveKey)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, rec.ID, sessions[0].ID)
	require.Equal(t, rec.Pickle, sessions[0].Pickle)

	got, err := s.GetDevice(ctx, dev.UserID, dev.DeviceID)
	require.NoError(t, err)
	require.Equal(t, dev, got)

	all, err := s.GetUserDevices(ctx, dev.UserID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStoreGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDevice(context.Background(), "@nobody:example.org", "NONE")
	require.ErrorIs(t, err, store.ErrDeviceNotFound)
}

func TestStoreSessionsOrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	curve := crypto.CurveKey("curve-b")

	newer := store.SessionRecord{ID: "s-newer", CurveKey: curve, CreatedAt: time.Now()}
	older := store.SessionRecord{ID: "s-older", CurveKey: curve, CreatedAt: time.Now().Add(-time.Hour)}

	require.NoError(t, s.SaveChanges(ctx, store.Changes{Sessions: []store.SessionRecord{newer, older}}))

	sessions, err := s.GetSessions(ctx, curve)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, older.ID, sessions[0].ID)
	require.Equal(t, newer.ID, sessions[1].ID)
}
