package data

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
)

// ErrUploadNotFound is returned when an upload reference does not resolve.
var ErrUploadNotFound = core.ErrUploadNotFound

const defaultMaxUploadBytes int64 = 32 << 20

// UploadRepo stores upload bodies in the uploads table.
type UploadRepo struct {
	DB           *sql.DB
	maxBytes     int64
	timeProvider TimeProvider
}

// NewUploadRepo creates an UploadRepo. maxBytes <= 0 selects a 32 MiB limit per file.
func NewUploadRepo(db *sql.DB, maxBytes int64, tp TimeProvider) *UploadRepo {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &UploadRepo{DB: db, maxBytes: maxBytes, timeProvider: timeProviderOrReal(tp)}
}

// Put reads the upload body, enforcing the size limit, and stores it.
func (r *UploadRepo) Put(ctx context.Context, upload core.Upload) (model.FileRef, error) {
	if strings.TrimSpace(upload.Filename) == "" {
		return model.FileRef{}, apperrors.ValidationField("files", "filename is required")
	}
	if upload.Body == nil {
		return model.FileRef{}, apperrors.ValidationField("files", "file body is required")
	}

	body, err := io.ReadAll(io.LimitReader(upload.Body, r.maxBytes+1))
	if err != nil {
		return model.FileRef{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(body)) > r.maxBytes {
		return model.FileRef{}, apperrors.Validationf("file %q exceeds %d bytes", upload.Filename, r.maxBytes)
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var id string
	err = r.DB.QueryRowContext(ctx, `
		INSERT INTO uploads (owner_id, filename, content_type, size_bytes, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id::text`,
		upload.Owner, upload.Filename, contentType, len(body), body, r.timeProvider.Now(),
	).Scan(&id)
	if err != nil {
		return model.FileRef{}, fmt.Errorf("insert upload: %w", apperrors.MapDBError(err))
	}
	return model.FileRef{UploadID: id, Filename: upload.Filename}, nil
}

// Open returns the stored body of uploadID.
func (r *UploadRepo) Open(ctx context.Context, uploadID string) (io.ReadCloser, *core.UploadInfo, error) {
	if !isUUID(uploadID) {
		return nil, nil, ErrUploadNotFound
	}
	var (
		info    core.UploadInfo
		content []byte
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT id::text, owner_id, filename, content_type, size_bytes, created_at, content
		FROM uploads WHERE id = $1`, uploadID,
	).Scan(&info.ID, &info.Owner, &info.Filename, &info.ContentType, &info.Size, &info.CreatedAt, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get upload: %w", apperrors.MapDBError(err))
	}
	return io.NopCloser(bytes.NewReader(content)), &info, nil
}
