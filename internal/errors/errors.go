// Package errors defines the upload-protocol error types used throughout
// Driftdesk.
package errors

import "fmt"

// UploadError represents a Driftdesk API error with a machine-readable code,
// human-readable message, and the HTTP status code the boundary should
// translate it into.
type UploadError struct {
	// Code is the error code (e.g., "OutOfOrderChunk", "UploadNotFound").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 409).
	HTTPStatus int
}

// Error implements the error interface for UploadError.
func (e *UploadError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the UploadError with a more specific message.
// The code and status are preserved so errors.Is-style comparisons on Code
// keep working at the boundary.
func (e *UploadError) WithMessage(format string, args ...any) *UploadError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Is matches UploadErrors by code, so WithMessage copies still compare
// equal to their sentinel under errors.Is.
func (e *UploadError) Is(target error) bool {
	t, ok := target.(*UploadError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Pre-defined errors for the upload protocol and surrounding API.
var (
	// ErrInvalidSize is returned when an upload is initiated with a
	// non-positive declared total size.
	ErrInvalidSize = &UploadError{
		Code:       "InvalidSize",
		Message:    "The declared upload size must be greater than zero",
		HTTPStatus: 400,
	}

	// ErrMalformedRange is returned when a Content-Range header does not
	// match the form "bytes {start}-{end}/{total}".
	ErrMalformedRange = &UploadError{
		Code:       "MalformedRange",
		Message:    "The Content-Range header is not of the form: bytes {start}-{end}/{total}",
		HTTPStatus: 400,
	}

	// ErrRangeExceedsTotal is returned when a chunk's end offset reaches or
	// exceeds the declared total size.
	ErrRangeExceedsTotal = &UploadError{
		Code:       "RangeExceedsTotal",
		Message:    "The declared byte range extends past the total upload size",
		HTTPStatus: 416,
	}

	// ErrTotalMismatch is returned when a chunk declares a total size that
	// differs from the session's recorded total.
	ErrTotalMismatch = &UploadError{
		Code:       "TotalMismatch",
		Message:    "The declared total size does not match the upload session",
		HTTPStatus: 400,
	}

	// ErrOutOfOrderChunk is returned when a chunk's start offset does not
	// equal the session's current received byte count. Chunks must arrive
	// in strictly increasing, contiguous order.
	ErrOutOfOrderChunk = &UploadError{
		Code:       "OutOfOrderChunk",
		Message:    "The chunk start offset does not match the next expected byte",
		HTTPStatus: 409,
	}

	// ErrMissingContentLength is returned when a chunk request carries no
	// Content-Length header. Such a request is rejected before it reaches
	// the upload engine.
	ErrMissingContentLength = &UploadError{
		Code:       "MissingContentLength",
		Message:    "You must provide the Content-Length HTTP header",
		HTTPStatus: 411,
	}

	// ErrInvalidContentLength is returned when the declared chunk length is
	// zero, negative, or disagrees with the declared byte range.
	ErrInvalidContentLength = &UploadError{
		Code:       "InvalidContentLength",
		Message:    "The Content-Length does not agree with the declared byte range",
		HTTPStatus: 400,
	}

	// ErrIncompleteChunk is returned when the chunk body carried fewer bytes
	// than its declared range. The session is failed: the accepted bytes
	// have already entered an append-only sink and cannot be rewound.
	ErrIncompleteChunk = &UploadError{
		Code:       "IncompleteChunk",
		Message:    "The chunk body ended before the declared range was satisfied",
		HTTPStatus: 400,
	}

	// ErrUploadNotFound is returned when the upload session does not exist,
	// has expired, or has already reached a terminal state.
	ErrUploadNotFound = &UploadError{
		Code:       "UploadNotFound",
		Message:    "The specified upload session does not exist",
		HTTPStatus: 404,
	}

	// ErrForbidden is returned when the caller does not own the resource.
	ErrForbidden = &UploadError{
		Code:       "Forbidden",
		Message:    "You do not have permission to access this resource",
		HTTPStatus: 403,
	}

	// ErrSinkClosed is returned when bytes are written to a streaming sink
	// that has already been ended or aborted.
	ErrSinkClosed = &UploadError{
		Code:       "SinkClosed",
		Message:    "The upload sink is closed",
		HTTPStatus: 500,
	}

	// ErrEntityTooLarge is returned when the declared upload size exceeds
	// the configured maximum.
	ErrEntityTooLarge = &UploadError{
		Code:       "EntityTooLarge",
		Message:    "The declared upload size exceeds the maximum allowed",
		HTTPStatus: 413,
	}

	// ErrFileNotFound is returned when the requested file record or stored
	// object does not exist.
	ErrFileNotFound = &UploadError{
		Code:       "FileNotFound",
		Message:    "The specified file does not exist",
		HTTPStatus: 404,
	}

	// ErrAccessDenied is returned when the request carries no valid identity.
	ErrAccessDenied = &UploadError{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		HTTPStatus: 401,
	}

	// ErrMalformedRequest is returned when a request body cannot be decoded.
	ErrMalformedRequest = &UploadError{
		Code:       "MalformedRequest",
		Message:    "The request body could not be decoded",
		HTTPStatus: 400,
	}

	// ErrInternalError is returned for unexpected internal failures.
	ErrInternalError = &UploadError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}
)
