package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	apperrors "github.com/target/jobflow/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "app error", err: apperrors.QueueUnavailable(errors.New("dial"), "enqueue"), want: "queue_unavailable"},
		{name: "wrapped app error", err: fmt.Errorf("submit: %w", apperrors.Validation("bad")), want: "validation"},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: "context_canceled"},
		{name: "deadline", err: context.DeadlineExceeded, want: "context_deadline"},
		{name: "concrete type", err: fmt.Errorf("open: %w", &fs.PathError{Op: "open", Path: "x", Err: errors.New("nope")}), want: "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
