package gridfs

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/target/jobflow/internal/core"
	apperrors "github.com/target/jobflow/internal/errors"
)

// setupStore connects to TEST_MONGO_URI and returns a store on a throwaway database.
func setupStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping GridFS tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	if err := Ping(ctx, client, 5*time.Second); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("mongo not reachable: %v", err)
	}

	db := client.Database("jobflow_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	store, err := NewStore(StoreOptions{Database: db, MaxBytes: maxBytes})
	require.NoError(t, err)
	return store
}

func TestNewStore_RequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreOptions{})
	require.Error(t, err)
}

func TestStore_OpenInvalidID(t *testing.T) {
	s := &Store{maxBytes: defaultMaxBytes}
	_, _, err := s.Open(context.Background(), "not-an-object-id")
	require.ErrorIs(t, err, core.ErrUploadNotFound)
}

func TestStore_PutValidation(t *testing.T) {
	s := &Store{maxBytes: defaultMaxBytes}
	_, err := s.Put(context.Background(), core.Upload{Body: strings.NewReader("x")})
	require.True(t, apperrors.IsValidation(err))

	_, err = s.Put(context.Background(), core.Upload{Filename: "a.txt"})
	require.True(t, apperrors.IsValidation(err))
}

func TestStore_PutOpen(t *testing.T) {
	store := setupStore(t, 16)
	ctx := context.Background()

	ref, err := store.Put(ctx, core.Upload{
		Owner:       "alice",
		Filename:    "hello.txt",
		ContentType: "text/plain",
		Body:        strings.NewReader("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", ref.Filename)

	rc, info, err := store.Open(ctx, ref.UploadID)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "alice", info.Owner)
	assert.Equal(t, "text/plain", info.ContentType)
	assert.Equal(t, int64(5), info.Size)

	_, err = store.Put(ctx, core.Upload{Owner: "alice", Filename: "big.bin", Body: strings.NewReader(strings.Repeat("x", 17))})
	require.True(t, apperrors.IsValidation(err))

	_, _, err = store.Open(ctx, "65f0c0ffee0000000000beef")
	require.ErrorIs(t, err, core.ErrUploadNotFound)
}
