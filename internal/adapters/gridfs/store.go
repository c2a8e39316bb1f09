// Package gridfs stores upload bodies in a MongoDB GridFS bucket.
package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	gfs "go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
)

const defaultMaxBytes int64 = 32 << 20

// StoreOptions configures a Store.
type StoreOptions struct {
	Database *mongo.Database // Required
	Bucket   string          // defaults to "uploads"
	MaxBytes int64           // per file; defaults to 32 MiB
}

// Store is a core.UploadStore backed by GridFS. Upload ids are ObjectID hex strings.
type Store struct {
	bucket   *gfs.Bucket
	maxBytes int64
}

var _ core.UploadStore = (*Store)(nil)

type fileMetadata struct {
	Owner       string `bson:"owner"`
	ContentType string `bson:"contentType"`
}

// NewStore opens the GridFS bucket.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Database == nil {
		return nil, errors.New("mongo database is required")
	}
	name := opts.Bucket
	if name == "" {
		name = "uploads"
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	bucket, err := gfs.NewBucket(opts.Database, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket %s: %w", name, err)
	}
	return &Store{bucket: bucket, maxBytes: maxBytes}, nil
}

// Put streams the upload into the bucket, enforcing the size limit.
func (s *Store) Put(ctx context.Context, upload core.Upload) (model.FileRef, error) {
	if strings.TrimSpace(upload.Filename) == "" {
		return model.FileRef{}, apperrors.ValidationField("files", "filename is required")
	}
	if upload.Body == nil {
		return model.FileRef{}, apperrors.ValidationField("files", "file body is required")
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := primitive.NewObjectID()
	stream, err := s.bucket.OpenUploadStreamWithID(id, upload.Filename,
		options.GridFSUpload().SetMetadata(fileMetadata{Owner: upload.Owner, ContentType: contentType}))
	if err != nil {
		return model.FileRef{}, fmt.Errorf("open upload stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetWriteDeadline(deadline); err != nil {
			_ = stream.Abort()
			return model.FileRef{}, fmt.Errorf("set write deadline: %w", err)
		}
	}

	n, err := io.Copy(stream, io.LimitReader(upload.Body, s.maxBytes+1))
	if err != nil {
		_ = stream.Abort()
		return model.FileRef{}, fmt.Errorf("write upload: %w", err)
	}
	if n > s.maxBytes {
		_ = stream.Abort()
		return model.FileRef{}, apperrors.Validationf("file %q exceeds %d bytes", upload.Filename, s.maxBytes)
	}
	if err := stream.Close(); err != nil {
		return model.FileRef{}, fmt.Errorf("finish upload: %w", err)
	}
	return model.FileRef{UploadID: id.Hex(), Filename: upload.Filename}, nil
}

// Open returns a stream over the stored body. The caller closes it.
func (s *Store) Open(ctx context.Context, uploadID string) (io.ReadCloser, *core.UploadInfo, error) {
	oid, err := primitive.ObjectIDFromHex(uploadID)
	if err != nil {
		return nil, nil, core.ErrUploadNotFound
	}

	ds, err := s.bucket.OpenDownloadStream(oid)
	if errors.Is(err, gfs.ErrFileNotFound) {
		return nil, nil, core.ErrUploadNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open download stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := ds.SetReadDeadline(deadline); err != nil {
			_ = ds.Close()
			return nil, nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	f := ds.GetFile()
	info := &core.UploadInfo{
		ID:        uploadID,
		Filename:  f.Name,
		Size:      f.Length,
		CreatedAt: f.UploadDate.UTC(),
	}
	if len(f.Metadata) > 0 {
		var meta fileMetadata
		if err := bson.Unmarshal(f.Metadata, &meta); err == nil {
			info.Owner, info.ContentType = meta.Owner, meta.ContentType
		}
	}
	return ds, info, nil
}

// Ping checks the backing deployment is reachable.
func Ping(ctx context.Context, client *mongo.Client, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Ping(pctx, nil)
}
