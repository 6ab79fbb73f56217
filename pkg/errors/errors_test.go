package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("redis: connection refused")
	err := NewTransportUnavailableError(originalErr)

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find the cause through Unwrap")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if err.HTTPStatus != 503 {
		t.Errorf("HTTPStatus = %v, want 503", err.HTTPStatus)
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewMessageTooLargeError(1024)
	err.WithContext("peer_id", "viewer-1")

	if err.Context["limit_bytes"] != int64(1024) {
		t.Errorf("Context[limit_bytes] = %v, want 1024", err.Context["limit_bytes"])
	}
	if err.Context["peer_id"] != "viewer-1" {
		t.Errorf("Context[peer_id] = %v, want viewer-1", err.Context["peer_id"])
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"invalid input", NewInvalidInputError("bad"), ErrCodeInvalidInput, 400},
		{"not found", NewNotFoundError("session"), ErrCodeNotFound, 404},
		{"unauthorized", NewUnauthorizedError("no token"), ErrCodeUnauthorized, 401},
		{"conflict", NewConflictError("ended"), ErrCodeConflict, 409},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, 429},
		{"too large", NewMessageTooLargeError(10), ErrCodeMessageTooLarge, 413},
		{"capacity", NewCapacityError("full"), ErrCodeCapacity, 503},
		{"internal", NewInternalError("boom"), ErrCodeInternal, 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
			}
			if tc.err.HTTPStatus != tc.status {
				t.Errorf("HTTPStatus = %v, want %v", tc.err.HTTPStatus, tc.status)
			}
		})
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("session")

	if GetAppError(appErr) != appErr {
		t.Errorf("GetAppError should return the AppError itself")
	}

	wrapped := fmt.Errorf("lookup: %w", appErr)
	if GetAppError(wrapped) != appErr {
		t.Errorf("GetAppError should unwrap fmt.Errorf chains")
	}
	if IsAppError(wrapped) {
		t.Errorf("IsAppError does not unwrap")
	}

	if GetAppError(errors.New("plain")) != nil {
		t.Errorf("GetAppError should return nil for plain errors")
	}
	if GetAppError(nil) != nil {
		t.Errorf("GetAppError(nil) should be nil")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(errors.New("plain")) != ErrCodeInternal {
		t.Errorf("plain errors map to INTERNAL_ERROR")
	}
	if CodeOf(fmt.Errorf("x: %w", NewRateLimitError())) != ErrCodeRateLimit {
		t.Errorf("wrapped AppError code should be found")
	}
}
