// Package testutil provides database, Redis and in-memory helpers for jobflow tests.
package testutil

import (
	"fmt"

	"github.com/target/jobflow/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest values.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a builder for a one-file job owned by "user-1".
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Owner:        "user-1",
			Files:        []model.FileRef{{UploadID: "upload-1", Filename: "a.docx"}},
			TargetLocale: "fr-FR",
		},
	}
}

// WithOwner sets the owning user.
func (b *JobRequestBuilder) WithOwner(owner string) *JobRequestBuilder {
	b.req.Owner = owner
	return b
}

// WithFiles replaces the file references.
func (b *JobRequestBuilder) WithFiles(files ...model.FileRef) *JobRequestBuilder {
	b.req.Files = files
	return b
}

// WithFileCount replaces the files with n generated references.
func (b *JobRequestBuilder) WithFileCount(n int) *JobRequestBuilder {
	b.req.Files = make([]model.FileRef, 0, n)
	for i := range n {
		b.req.Files = append(b.req.Files, model.FileRef{
			UploadID: fmt.Sprintf("upload-%d", i+1),
			Filename: fmt.Sprintf("file-%d.txt", i+1),
		})
	}
	return b
}

// WithTargetLocale sets the target locale.
func (b *JobRequestBuilder) WithTargetLocale(locale string) *JobRequestBuilder {
	b.req.TargetLocale = locale
	return b
}

// Build returns the request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}
