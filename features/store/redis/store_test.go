package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/store"
	"github.com/loomline/loomline/runtime/wire"
)

var (
	testRedisClient    *redisdriver.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redisdriver.NewClient(&redisdriver.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	// Cleanup.
	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getRedis returns the shared Redis client and flushes the database for test
// isolation. Skips the test if Docker/Redis is not available.
func getRedis(t *testing.T) *redisdriver.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Options{Client: getRedis(t)})
	require.NoError(t, err)
	return s
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.ErrorContains(t, err, "redis client is required")
}

func TestOpsRequireSessionID(t *testing.T) {
	// go-redis dials lazily and the session id check runs before any
	// command, so no server is needed here.
	s, err := NewStore(Options{Client: redisdriver.NewClient(&redisdriver.Options{Addr: "localhost:0"})})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.LoadCursor(ctx, "")
	require.ErrorContains(t, err, "session id is required")
	require.ErrorContains(t, s.SaveCursor(ctx, "", 1), "session id is required")
	_, err = s.LoadSeed(ctx, "")
	require.ErrorContains(t, err, "session id is required")
	require.ErrorContains(t, s.SaveSeed(ctx, "", "seed"), "session id is required")
	_, err = s.LoadArtifact(ctx, "")
	require.ErrorContains(t, err, "session id is required")
	require.ErrorContains(t, s.SaveArtifact(ctx, "", &artifact.Snapshot{}), "session id is required")
	require.ErrorContains(t, s.ClearArtifact(ctx, ""), "session id is required")
	require.ErrorContains(t, s.DeleteSession(ctx, ""), "session id is required")
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadCursor(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveCursor(ctx, "sess-1", 41))
	seq, err := s.LoadCursor(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(41), seq)

	require.NoError(t, s.SaveCursor(ctx, "sess-1", 42))
	seq, err = s.LoadCursor(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)
}

func TestSeedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadSeed(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveSeed(ctx, "sess-1", "seed-alpha"))
	seed, err := s.LoadSeed(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "seed-alpha", seed)
}

func TestFieldsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCursor(ctx, "sess-1", 7))
	_, err := s.LoadSeed(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound, "saving a cursor must not invent a seed")

	require.NoError(t, s.SaveSeed(ctx, "sess-2", "seed-beta"))
	_, err = s.LoadCursor(ctx, "sess-2")
	require.ErrorIs(t, err, store.ErrNotFound, "saving a seed must not invent a cursor")
}

func TestArtifactRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := &artifact.Snapshot{
		ToolID:       "board",
		EventID:      "ev-12",
		WorkflowName: "triage",
		Payload:      map[string]any{"lanes": float64(3)},
		DisplayMode:  wire.DisplayArtifact,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveArtifact(ctx, "sess-1", snap))

	got, err := s.LoadArtifact(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, snap, got)
}

func TestLoadArtifactAbsentIsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LoadArtifact(ctx, "never-seen")
	require.NoError(t, err)
	require.Nil(t, got)

	// A session that exists but never mounted an artifact behaves the same.
	require.NoError(t, s.SaveCursor(ctx, "cursor-only", 3))
	got, err = s.LoadArtifact(ctx, "cursor-only")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveArtifactRequiresSnapshot(t *testing.T) {
	s := newTestStore(t)
	require.ErrorContains(t, s.SaveArtifact(context.Background(), "sess-1", nil), "snapshot is required")
}

func TestClearArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCursor(ctx, "sess-1", 9))
	snap := &artifact.Snapshot{ToolID: "board", WorkflowName: "triage", DisplayMode: wire.DisplayArtifact}
	require.NoError(t, s.SaveArtifact(ctx, "sess-1", snap))

	require.NoError(t, s.ClearArtifact(ctx, "sess-1"))
	got, err := s.LoadArtifact(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, got)

	seq, err := s.LoadCursor(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(9), seq, "clearing the artifact must not touch the cursor")

	// Clearing again, and clearing a session that never existed, are no-ops.
	require.NoError(t, s.ClearArtifact(ctx, "sess-1"))
	require.NoError(t, s.ClearArtifact(ctx, "never-seen"))
}

func TestClearArtifactNeverCreatesSession(t *testing.T) {
	rdb := getRedis(t)
	s, err := NewStore(Options{Client: rdb})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.ClearArtifact(ctx, "ghost"))

	exists, err := rdb.Exists(ctx, defaultKeyPrefix+"ghost").Result()
	require.NoError(t, err)
	require.Zero(t, exists, "clear must not materialize a session hash")
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCursor(ctx, "sess-1", 12))
	require.NoError(t, s.SaveSeed(ctx, "sess-1", "seed-gamma"))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err := s.LoadCursor(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LoadSeed(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	require.NoError(t, s.DeleteSession(ctx, "never-seen"))
}

func TestSessionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCursor(ctx, "sess-1", 100))
	require.NoError(t, s.SaveCursor(ctx, "sess-2", 200))

	seq, err := s.LoadCursor(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), seq)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	seq, err = s.LoadCursor(ctx, "sess-2")
	require.NoError(t, err)
	require.Equal(t, int64(200), seq)
}

func TestKeyPrefixNamespacesStores(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	alpha, err := NewStore(Options{Client: rdb, KeyPrefix: "alpha:"})
	require.NoError(t, err)
	beta, err := NewStore(Options{Client: rdb, KeyPrefix: "beta:"})
	require.NoError(t, err)

	require.NoError(t, alpha.SaveCursor(ctx, "sess-1", 1))
	_, err = beta.LoadCursor(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTTLRefreshesOnWrite(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	s, err := NewStore(Options{Client: rdb, TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.SaveCursor(ctx, "sess-1", 5))
	ttl, err := rdb.TTL(ctx, defaultKeyPrefix+"sess-1").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0), "writes must arm the idle deadline")

	// Stores without a TTL leave sessions persistent.
	p, err := NewStore(Options{Client: rdb})
	require.NoError(t, err)
	require.NoError(t, p.SaveCursor(ctx, "sess-2", 5))
	ttl, err = rdb.TTL(ctx, defaultKeyPrefix+"sess-2").Result()
	require.NoError(t, err)
	require.Equal(t, time.Duration(-1), ttl)
}

func TestPingReportsHealth(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, "store-redis", s.Name())
	require.NoError(t, s.Ping(context.Background()))
}
