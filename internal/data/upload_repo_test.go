package data

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/jobflow/internal/core"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/testutil"
)

func TestUploadRepo_PutOpen(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewUploadRepo(db, 16, nil)
		ctx := context.Background()

		ref, err := repo.Put(ctx, core.Upload{
			Owner:    "alice",
			Filename: "hello.txt",
			Body:     strings.NewReader("hello"),
		})
		require.NoError(t, err)
		assert.Equal(t, "hello.txt", ref.Filename)

		rc, info, err := repo.Open(ctx, ref.UploadID)
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, "alice", info.Owner)
		assert.Equal(t, "application/octet-stream", info.ContentType)
		assert.Equal(t, int64(5), info.Size)
	})
}

func TestUploadRepo_Rejections(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewUploadRepo(db, 4, nil)
		ctx := context.Background()

		_, err := repo.Put(ctx, core.Upload{Owner: "a", Filename: "big.bin", Body: strings.NewReader("12345")})
		assert.True(t, apperrors.IsValidation(err))

		_, err = repo.Put(ctx, core.Upload{Owner: "a", Filename: "", Body: strings.NewReader("1")})
		assert.True(t, apperrors.IsValidation(err))

		_, _, err = repo.Open(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrUploadNotFound)
		_, _, err = repo.Open(ctx, "nope")
		require.ErrorIs(t, err, ErrUploadNotFound)
	})
}
