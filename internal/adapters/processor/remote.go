package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/target/jobflow/internal/core"
)

const defaultRetryBackoff = 500 * time.Millisecond

// RemoteOptions configures a Remote processor.
type RemoteOptions struct {
	URL     string           // Required: endpoint receiving the multipart request
	Uploads core.UploadStore // Required: source of file bodies
	Token   string           // Optional bearer token
	Timeout time.Duration    // per request; defaults to 2m
	Retries int              // additional tries on transport errors, 429 and 5xx
	Backoff time.Duration    // multiplied by the try number; defaults to 500ms
	Logger  *slog.Logger

	// Client overrides the HTTP client. Tests point it at httptest servers.
	Client *http.Client
}

// Remote posts the job's files to an HTTP service and stores its JSON reply
// as the job result.
type Remote struct {
	http    *resty.Client
	url     string
	uploads core.UploadStore
	token   string
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

var _ core.Processor = (*Remote)(nil)

// StatusError is returned when the remote service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote processor: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewRemote validates options and constructs a Remote processor.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.URL == "" {
		return nil, errors.New("remote processor URL is required")
	}
	if opts.Uploads == nil {
		return nil, errors.New("upload store is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var c *resty.Client
	if opts.Client != nil {
		c = resty.NewWithClient(opts.Client)
	} else {
		c = resty.New()
	}
	c.SetTimeout(timeout)

	return &Remote{
		http:    c,
		url:     opts.URL,
		uploads: opts.Uploads,
		token:   opts.Token,
		retries: max(opts.Retries, 0),
		backoff: backoff,
		logger:  logger.With("component", "remote_processor"),
	}, nil
}

// Process sends one multipart request per try. File bodies are reopened for
// every try since a request consumes them.
func (p *Remote) Process(ctx context.Context, req core.ProcessRequest) (json.RawMessage, error) {
	var lastErr error
	for try := 1; try <= p.retries+1; try++ {
		out, err := p.post(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !p.shouldRetry(ctx, err) || try > p.retries {
			break
		}
		p.logger.WarnContext(ctx, "remote processor call failed; retrying", "job_id", req.JobID, "try", try, "error", err)

		t := time.NewTimer(p.backoff * time.Duration(try))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(lastErr, context.Cause(ctx))
		case <-t.C:
		}
	}
	return nil, lastErr
}

func (p *Remote) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, core.ErrUploadNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}

func (p *Remote) post(ctx context.Context, req core.ProcessRequest) (json.RawMessage, error) {
	r := p.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFormData(map[string]string{
			"jobId":        req.JobID,
			"targetLocale": req.TargetLocale,
			"attempt":      strconv.Itoa(req.Attempt),
		})
	if p.token != "" {
		r.SetAuthToken(p.token)
	}

	closers := make([]io.Closer, 0, len(req.Files))
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for _, f := range req.Files {
		body, info, err := p.uploads.Open(ctx, f.UploadID)
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", f.UploadID, err)
		}
		closers = append(closers, body)

		name, contentType := f.Filename, "application/octet-stream"
		if info != nil && info.ContentType != "" {
			contentType = info.ContentType
		}
		r.SetMultipartField("files", name, contentType, body)
	}

	resp, err := r.Post(p.url)
	if err != nil {
		return nil, fmt.Errorf("remote processor: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("remote processor: response is not JSON")
	}
	return json.RawMessage(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
