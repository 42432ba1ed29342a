package errutil

import "net/http"

// CoreStatus is the transport-agnostic status code attached to every
// domain error. Handlers translate it at the edge; services only ever
// deal in CoreStatus values.
type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "BAD_REQUEST"
	StatusValidationFailed    CoreStatus = "VALIDATION_FAILED"
	StatusUnauthenticated     CoreStatus = "UNAUTHENTICATED"
	StatusForbidden           CoreStatus = "FORBIDDEN"
	StatusNotFound            CoreStatus = "NOT_FOUND"
	StatusConflict            CoreStatus = "CONFLICT"
	StatusInvalidTransition   CoreStatus = "INVALID_TRANSITION"
	StatusVersionConflict     CoreStatus = "VERSION_CONFLICT"
	StatusAmountMismatch      CoreStatus = "AMOUNT_MISMATCH"
	StatusInsufficientBalance CoreStatus = "INSUFFICIENT_BALANCE"
	StatusTimeout             CoreStatus = "TIMEOUT"
	StatusInternal            CoreStatus = "INTERNAL"
)

// HTTPStatus maps a CoreStatus onto the closest HTTP response code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthenticated:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusVersionConflict:
		return http.StatusConflict
	case StatusInvalidTransition, StatusAmountMismatch, StatusInsufficientBalance:
		return http.StatusUnprocessableEntity
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may reload state and retry the
// same request. Only optimistic-concurrency losses qualify; every other
// status is terminal for that request.
func (s CoreStatus) Retryable() bool {
	return s == StatusVersionConflict
}
