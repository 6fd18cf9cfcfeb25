package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
)

// Code identifies the failure class of an upload.
type Code string

const (
	CodeNetworkError         Code = "NETWORK_ERROR"
	CodeTimeout              Code = "TIMEOUT"
	CodeServerError          Code = "SERVER_ERROR"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeConnectionError      Code = "CONNECTION_ERROR"
	CodeChunkFailed          Code = "CHUNK_FAILED"
	CodeInitializationFailed Code = "INITIALIZATION_FAILED"
	CodeCompletionFailed     Code = "COMPLETION_FAILED"
	CodeChecksumMismatch     Code = "CHECKSUM_MISMATCH"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeInvalidFileType      Code = "INVALID_FILE_TYPE"
	CodeUploadExpired        Code = "UPLOAD_EXPIRED"
	CodeFileMissing          Code = "FILE_MISSING"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeUnknown              Code = "UNKNOWN"
)

// retryableCodes are failures that may succeed when attempted again later.
var retryableCodes = map[Code]bool{
	CodeNetworkError:    true,
	CodeTimeout:         true,
	CodeServerError:     true,
	CodeRateLimited:     true,
	CodeConnectionError: true,
}

// Error is the typed failure surfaced by transports and the session driver.
type Error struct {
	Code        Code
	Message     string
	Retryable   bool
	ChunkNumber int
	UploadID    string
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.ChunkNumber > 0 {
		msg += fmt.Sprintf(" (chunk %d)", e.ChunkNumber)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error whose retryability follows its code.
func NewError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Retryable: retryableCodes[code], Err: err}
}

// StatusError maps an HTTP status from an upload endpoint onto a typed error.
func StatusError(status int, msg string) *Error {
	var code Code
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = CodeTimeout
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status >= http.StatusInternalServerError:
		code = CodeServerError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeUnauthorized
	case status == http.StatusGone:
		code = CodeUploadExpired
	case status == http.StatusRequestEntityTooLarge || status == http.StatusInsufficientStorage:
		code = CodeQuotaExceeded
	case status == http.StatusUnsupportedMediaType:
		code = CodeInvalidFileType
	case status == http.StatusPreconditionFailed:
		code = CodeChecksumMismatch
	default:
		code = CodeUnknown
	}
	return NewError(code, fmt.Sprintf("status %d: %s", status, msg), nil)
}

// Classify converts any error into a typed one. Typed errors pass through;
// fallback is used when nothing more specific is known.
func Classify(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeTimeout, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeUnknown, Message: "cancelled", Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return NewError(CodeFileMissing, "local recording missing", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewError(CodeConnectionError, "connection failed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(CodeTimeout, "network timeout", err)
		}
		return NewError(CodeNetworkError, "network failure", err)
	}
	return NewError(fallback, "", err)
}

// IsRetryable reports whether a failed upload may be attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err, CodeUnknown).Retryable
}

// CodeOf extracts the failure code, CodeUnknown for untyped errors.
func CodeOf(err error) Code {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return CodeUnknown
}
