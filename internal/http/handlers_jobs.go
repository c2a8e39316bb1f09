// Package httpx provides the HTTP surface of the job lifecycle API.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/service"
)

const (
	defaultMaxFiles        = 20
	defaultMaxRequestBytes = 128 << 20
	multipartMemory        = 8 << 20
	maxListLimit           = 1000
)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc             *service.JobService
	Uploads         core.UploadStore
	Logger          *slog.Logger
	MaxFiles        int
	MaxRequestBytes int64
}

func (h *JobHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	WriteAppError(w, r, h.Logger, err)
}

// principal returns the caller attached by RequireAuth.
func principal(r *http.Request) service.Principal {
	p, _ := service.PrincipalFrom(r.Context())
	return p
}

// CreateJob handles multipart submissions: the files are stored first, then
// the job is created and queued referencing them.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, apperrors.Validationf("request exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.fail(w, r, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	owner := strings.TrimSpace(r.FormValue("userId"))
	if owner == "" {
		h.fail(w, r, apperrors.ValidationField("userId", "userId is required"))
		return
	}
	if p := principal(r); !p.CanActFor(owner) {
		h.fail(w, r, apperrors.Forbidden("cannot submit jobs for another user"))
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		h.fail(w, r, apperrors.ValidationField("files", "at least one file is required"))
		return
	}
	maxFiles := h.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	if len(headers) > maxFiles {
		h.fail(w, r, apperrors.ValidationField("files", fmt.Sprintf("at most %d files are allowed", maxFiles)))
		return
	}

	refs := make([]model.FileRef, 0, len(headers))
	for _, fh := range headers {
		ref, err := h.storeUpload(r, owner, fh)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		refs = append(refs, ref)
	}

	job, err := h.Svc.Submit(r.Context(), service.SubmitRequest{
		Owner:        owner,
		Files:        refs,
		TargetLocale: r.FormValue("targetLocale"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

func (h *JobHandlers) storeUpload(r *http.Request, owner string, fh *multipart.FileHeader) (model.FileRef, error) {
	f, err := fh.Open()
	if err != nil {
		return model.FileRef{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "read uploaded file")
	}
	defer f.Close()

	ref, err := h.Uploads.Put(r.Context(), core.Upload{
		Owner:       owner,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Body:        f,
	})
	if err != nil {
		return model.FileRef{}, apperrors.Persistence(err, "store upload")
	}
	return ref, nil
}

// ListJobs returns the jobs visible to the caller, optionally filtered by
// ?user=, ?status= and ?limit=.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := model.JobListOptions{
		Owner: strings.TrimSpace(q.Get("user")),
		Limit: ParseLimit(r, 0, maxListLimit),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var st model.JobStatus
		if err := st.UnmarshalText([]byte(raw)); err != nil {
			h.fail(w, r, apperrors.ValidationField("status", err.Error()))
			return
		}
		opts.Status = &st
	}

	p := principal(r)
	if opts.Owner != "" && !p.CanActFor(opts.Owner) {
		// Non-admins only ever see their own jobs.
		WriteJSON(w, http.StatusOK, []*model.Job{})
		return
	}

	jobs, err := h.Svc.ListAll(r.Context(), p, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// GetJob returns one job, or 404 when it is missing or not visible.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// updateStatusBody is the PATCH /jobs/{id} payload.
type updateStatusBody struct {
	Status     model.JobStatus `json:"status"`
	ResultData json.RawMessage `json:"resultData,omitempty"`
	LastError  *string         `json:"lastError,omitempty"`
}

// UpdateJob applies an administrative status change.
func (h *JobHandlers) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var body updateStatusBody
	if !DecodeJSON(w, r, &body) {
		return
	}
	if body.Status == "" {
		h.fail(w, r, apperrors.ValidationField("status", "status is required"))
		return
	}
	if string(body.ResultData) == "null" {
		body.ResultData = nil
	}

	job, err := h.Svc.UpdateStatus(r.Context(), model.UpdateStatusParams{
		ID:         r.PathValue("id"),
		Status:     body.Status,
		ResultData: body.ResultData,
		LastError:  body.LastError,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// CancelJob requests cancellation of a started job.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.Cancel(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// DeleteJob removes a job.
func (h *JobHandlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns job counts by status.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
