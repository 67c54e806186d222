package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

// Percolator ingest and read errors. Callers distinguish on these with
// errors.Is; the typed errors in the query, mapping and codec packages all
// unwrap to one of them.
var (
	ErrDuplicatePercolatorQuery = errors.New("a document can only contain one percolator query")
	ErrParse                    = errors.New("failed to parse query")
	ErrRewrite                  = errors.New("failed to rewrite query")
	ErrUnmappedField            = errors.New("unmapped field")
	ErrQueryBuild               = errors.New("failed to build query")
	ErrBlobVersion              = errors.New("unsupported query blob version")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicatePercolatorQuery):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrUnmappedField),
		errors.Is(err, ErrQueryBuild):
		return http.StatusBadRequest
	case errors.Is(err, ErrRewrite):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError reports whether err was caused by the submitted query or
// document rather than by infrastructure, so retrying it cannot succeed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicatePercolatorQuery) ||
		errors.Is(err, ErrParse) ||
		errors.Is(err, ErrUnmappedField) ||
		errors.Is(err, ErrQueryBuild) ||
		errors.Is(err, ErrInvalidInput)
}
