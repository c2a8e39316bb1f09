package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	"github.com/target/jobflow/internal/testutil"
)

func TestDelay_Process(t *testing.T) {
	p := NewDelay(5 * time.Millisecond)
	p.now = testutil.TestTime

	out, err := p.Process(context.Background(), core.ProcessRequest{
		JobID:        "job-1",
		TargetLocale: "fr",
		Files:        []model.FileRef{{UploadID: "u1", Filename: "a.pdf"}},
		Attempt:      2,
	})
	require.NoError(t, err)

	var got delayResult
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "job-1", got.Result.JobID)
	assert.Equal(t, "fr", got.Result.TargetLocale)
	assert.Equal(t, 2, got.Result.Attempt)
	assert.Len(t, got.Result.Files, 1)
	assert.True(t, got.Result.ProcessedAt.Equal(testutil.TestTime()))
}

func TestDelay_ProcessCanceled(t *testing.T) {
	p := NewDelay(time.Hour)
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("job canceled")
	cancel(cause)

	_, err := p.Process(ctx, core.ProcessRequest{JobID: "job-1"})
	require.ErrorIs(t, err, cause)
}

func newUploads(t *testing.T) (*testutil.MemoryUploads, []model.FileRef) {
	t.Helper()
	uploads := testutil.NewMemoryUploads()
	var refs []model.FileRef
	for name, body := range map[string]string{"a.txt": "alpha", "b.txt": "bravo"} {
		ref, err := uploads.Put(context.Background(), core.Upload{
			Owner:       "alice",
			Filename:    name,
			ContentType: "text/plain",
			Body:        strings.NewReader(body),
		})
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	return uploads, refs
}

func TestRemote_Process(t *testing.T) {
	uploads, refs := newUploads(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "job-1", r.FormValue("jobId"))
		assert.Equal(t, "de", r.FormValue("targetLocale"))
		assert.Equal(t, "1", r.FormValue("attempt"))

		files := r.MultipartForm.File["files"]
		bodies := map[string]string{}
		for _, fh := range files {
			f, err := fh.Open()
			if !assert.NoError(t, err) {
				continue
			}
			b, _ := io.ReadAll(f)
			_ = f.Close()
			bodies[fh.Filename] = string(b)
		}
		assert.Equal(t, map[string]string{"a.txt": "alpha", "b.txt": "bravo"}, bodies)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Result":{"ok":true}}`))
	}))
	defer srv.Close()

	p, err := NewRemote(RemoteOptions{URL: srv.URL, Uploads: uploads, Token: "s3cret", Client: srv.Client()})
	require.NoError(t, err)

	out, err := p.Process(context.Background(), core.ProcessRequest{
		JobID: "job-1", TargetLocale: "de", Files: refs, Attempt: 1,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Result":{"ok":true}}`, string(out))
}

func TestRemote_Retries(t *testing.T) {
	uploads, refs := newUploads(t)

	t.Run("retries server errors with fresh bodies", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if assert.NoError(t, r.ParseMultipartForm(1<<20)) {
				assert.Len(t, r.MultipartForm.File["files"], 2)
			}
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"done":1}`))
		}))
		defer srv.Close()

		p, err := NewRemote(RemoteOptions{URL: srv.URL, Uploads: uploads, Retries: 2, Backoff: time.Millisecond})
		require.NoError(t, err)

		out, err := p.Process(context.Background(), core.ProcessRequest{JobID: "j", Files: refs})
		require.NoError(t, err)
		assert.JSONEq(t, `{"done":1}`, string(out))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			http.Error(w, "bad input", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		p, err := NewRemote(RemoteOptions{URL: srv.URL, Uploads: uploads, Retries: 3, Backoff: time.Millisecond})
		require.NoError(t, err)

		_, err = p.Process(context.Background(), core.ProcessRequest{JobID: "j", Files: refs})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
		assert.Contains(t, se.Body, "bad input")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after the configured retries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		p, err := NewRemote(RemoteOptions{URL: srv.URL, Uploads: uploads, Retries: 1, Backoff: time.Millisecond})
		require.NoError(t, err)

		_, err = p.Process(context.Background(), core.ProcessRequest{JobID: "j", Files: refs})
		require.Error(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestRemote_Errors(t *testing.T) {
	uploads, _ := newUploads(t)

	_, err := NewRemote(RemoteOptions{Uploads: uploads})
	require.Error(t, err)
	_, err = NewRemote(RemoteOptions{URL: "http://example.invalid"})
	require.Error(t, err)

	t.Run("missing upload", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		p, err := NewRemote(RemoteOptions{URL: srv.URL, Uploads: uploads, Retries: 2})
		require.NoError(t, err)
		_, err = p.Process(context.Background(), core.ProcessRequest{
			JobID: "j",
			Files: []model.FileRef{{UploadID: "missing", Filename: "x"}},
		})
		require.ErrorIs(t, err, core.ErrUploadNotFound)
		assert.Zero(t, calls.Load())
	})

	t.Run("non-JSON reply", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()

		p, err := NewRemote(RemoteOptions{URL: srv.URL, Uploads: uploads})
		require.NoError(t, err)
		_, err = p.Process(context.Background(), core.ProcessRequest{JobID: "j"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not JSON")
	})

	t.Run("empty reply", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		p, err := NewRemote(RemoteOptions{URL: srv.URL, Uploads: uploads})
		require.NoError(t, err)
		out, err := p.Process(context.Background(), core.ProcessRequest{JobID: "j"})
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}
