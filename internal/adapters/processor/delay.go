// Package processor provides core.Processor implementations.
package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
)

// Delay is a simulated processor. It waits for a fixed duration and reports
// the files it was given.
type Delay struct {
	wait time.Duration
	now  func() time.Time
}

var _ core.Processor = (*Delay)(nil)

// NewDelay returns a Delay processor. A non-positive wait returns immediately.
func NewDelay(wait time.Duration) *Delay {
	return &Delay{wait: wait, now: time.Now}
}

type delayResult struct {
	Result delayPayload `json:"Result"`
}

type delayPayload struct {
	JobID        string          `json:"jobId"`
	TargetLocale string          `json:"targetLocale"`
	Files        []model.FileRef `json:"files"`
	Attempt      int             `json:"attempt"`
	ProcessedAt  time.Time       `json:"processedAt"`
}

// Process waits out the delay unless ctx ends first.
func (p *Delay) Process(ctx context.Context, req core.ProcessRequest) (json.RawMessage, error) {
	if p.wait > 0 {
		t := time.NewTimer(p.wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-t.C:
		}
	}

	return json.Marshal(delayResult{Result: delayPayload{
		JobID:        req.JobID,
		TargetLocale: req.TargetLocale,
		Files:        req.Files,
		Attempt:      req.Attempt,
		ProcessedAt:  p.now().UTC(),
	}})
}
