package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/target/jobflow/internal/errors"
)

// statusForCode maps an AppError code to its HTTP status.
func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidTransition, apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// clientVisible reports whether the error message may be returned verbatim.
func clientVisible(status int) bool {
	return status < http.StatusInternalServerError
}

// WriteAppError renders err as {"error","code"}. Server-side failures are
// logged and reported with a generic message.
func WriteAppError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := apperrors.GetCode(err)
	switch {
	case code != "":
	case errors.Is(err, context.DeadlineExceeded):
		code = apperrors.ErrCodeTimeout
	default:
		code = apperrors.ErrCodeInternal
	}
	status := statusForCode(code)

	body := ErrorBody{Code: string(code), Field: apperrors.GetField(err)}
	if clientVisible(status) {
		body.Error = messageOf(err)
	} else {
		if logger != nil {
			logger.ErrorContext(r.Context(), "request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"code", code,
				"error", err,
			)
		}
		body.Error = http.StatusText(status)
	}
	WriteJSON(w, status, body)
}

// messageOf prefers the AppError message over the full wrapped chain.
func messageOf(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
