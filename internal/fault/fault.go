// Package fault defines the error kinds the API surface maps to HTTP codes.
package fault

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrConfigInvalid   = errors.New("config invalid")
	ErrAssetMissing    = errors.New("asset missing")
	ErrTooManyRequests = errors.New("too many requests")
	ErrUploadFailed    = errors.New("upload failed")
)

// HTTPStatus maps an error to the response code for the render API.
// Unrecognized errors are internal.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAssetMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrConfigInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns the taxonomy label for an error, or "" for internal errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTooManyRequests):
		return "too_many_requests"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAssetMissing):
		return "missing_asset"
	case errors.Is(err, ErrConfigInvalid):
		return "config_invalid"
	case errors.Is(err, ErrUploadFailed):
		return "upload_failed"
	default:
		return ""
	}
}
