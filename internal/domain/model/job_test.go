package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_Transitions(t *testing.T) {
	all := []JobStatus{JobStatusStarted, JobStatusCompleted, JobStatusTerminatedWithError}
	legal := map[[2]JobStatus]bool{
		{JobStatusStarted, JobStatusCompleted}:           true,
		{JobStatusStarted, JobStatusTerminatedWithError}: true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]JobStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, JobStatusStarted.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusTerminatedWithError.Terminal())
	assert.False(t, JobStatus("running").Valid())
}

func TestJobStatus_UnmarshalText(t *testing.T) {
	var s JobStatus
	require.NoError(t, s.UnmarshalText([]byte(" TerminatedWithError ")))
	assert.Equal(t, JobStatusTerminatedWithError, s)

	require.Error(t, s.UnmarshalText([]byte("failed")))
}

func TestCreateJobRequest_Validate(t *testing.T) {
	files := []FileRef{{UploadID: "u-1", Filename: "a.pdf"}}
	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr string
	}{
		{"valid", CreateJobRequest{Owner: "u1", Files: files, TargetLocale: "es"}, ""},
		{"empty locale allowed", CreateJobRequest{Owner: "u1", Files: files}, ""},
		{"missing owner", CreateJobRequest{Owner: "  ", Files: files}, "owner is required"},
		{"no files", CreateJobRequest{Owner: "u1"}, "at least one file is required"},
		{
			"blank upload ref",
			CreateJobRequest{Owner: "u1", Files: []FileRef{{Filename: "x"}}},
			"files[0]: upload reference is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestJob_MarshalJSON(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := Job{
		ID:           "j1",
		Owner:        "u1",
		Files:        []FileRef{{UploadID: "f1"}, {UploadID: "f2"}},
		TargetLocale: "es",
		Status:       JobStatusStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	raw, err := json.Marshal(job)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "u1", got["user"])
	assert.Equal(t, "started", got["status"])
	assert.Nil(t, got["resultData"])
	assert.Contains(t, got, "resultData")
	assert.Len(t, got["files"], 2)
	assert.Equal(t, map[string]any{"file": "f1"}, got["files"].([]any)[0])

	job.Status = JobStatusCompleted
	job.ResultData = json.RawMessage(`{"pages":3}`)
	raw, err = json.Marshal(&job)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"resultData":{"pages":3}`)
}

func TestDecodeProcessJobMessage(t *testing.T) {
	msg, err := DecodeProcessJobMessage([]byte(`{"jobId":"j1","files":[{"file":"f1"}],"targetLocale":"fr"}`))
	require.NoError(t, err)
	assert.Equal(t, "j1", msg.JobID)
	assert.Equal(t, "fr", msg.TargetLocale)
	assert.Len(t, msg.Files, 1)

	_, err = DecodeProcessJobMessage([]byte(`{"files":[]}`))
	require.Error(t, err)

	_, err = DecodeProcessJobMessage([]byte(`not json`))
	require.Error(t, err)
}

func TestDelivery_LastAttempt(t *testing.T) {
	assert.False(t, (&Delivery{Attempt: 1, MaxAttempts: 3}).LastAttempt())
	assert.True(t, (&Delivery{Attempt: 3, MaxAttempts: 3}).LastAttempt())
	assert.True(t, (&Delivery{Attempt: 4, MaxAttempts: 3}).LastAttempt())
	assert.False(t, (&Delivery{Attempt: 9}).LastAttempt())
}
