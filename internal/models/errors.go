package models

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorCode identifies the category of a control-plane failure. Codes are
// part of the public API and are returned verbatim as the "desc" field.
type ErrorCode string

const (
	// Validation
	ErrMissingParameters        ErrorCode = "MISSING_PARAMETERS"
	ErrUnsupportedSchemaVersion ErrorCode = "UNSUPPORTED_SCHEMA_VERSION"
	ErrInvalidDatasetDefinition ErrorCode = "INVALID_DATASET_DEFINITION"
	ErrReservedCollection       ErrorCode = "RESERVED_COLLECTION"

	// Lookup
	ErrInvalidZoneID ErrorCode = "INVALID_ZONE_ID"

	// Security
	ErrInvalidClientCertificate  ErrorCode = "INVALID_CLIENT_CERTIFICATE"
	ErrUnsignedClientCertificate ErrorCode = "UNSIGNED_CLIENT_CERTIFICATE"
	ErrFutureClientCertificate   ErrorCode = "FUTURE_CLIENT_CERTIFICATE"
	ErrExpiredClientCertificate  ErrorCode = "EXPIRED_CLIENT_CERTIFICATE"

	// Routing
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"

	// Catch-all
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorDetail is a single field-level validation problem.
type ErrorDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is an error that is safe to return to a client.
type APIError struct {
	Code    ErrorCode
	Details []ErrorDetail
	// Cause is kept for server-side logging and never serialized.
	Cause error
}

func NewAPIError(code ErrorCode, cause error) *APIError {
	return &APIError{Code: code, Cause: cause}
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Cause.Error()
	}
	if len(e.Details) > 0 {
		msgs := make([]string, 0, len(e.Details))
		for _, d := range e.Details {
			msgs = append(msgs, d.Field+": "+d.Message)
		}
		return string(e.Code) + ": " + strings.Join(msgs, "; ")
	}
	return string(e.Code)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to a response status.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case ErrMissingParameters, ErrUnsupportedSchemaVersion, ErrInvalidDatasetDefinition, ErrReservedCollection:
		return http.StatusBadRequest
	case ErrInvalidZoneID, ErrInvalidRequest:
		return http.StatusNotFound
	case ErrInvalidClientCertificate, ErrUnsignedClientCertificate, ErrFutureClientCertificate, ErrExpiredClientCertificate:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// AsAPIError returns err as an *APIError. Errors that carry no code become
// an opaque INTERNAL_ERROR wrapping the original.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Code: ErrInternalError, Cause: err}
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
