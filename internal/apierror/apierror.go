package apierror

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrBadRequest       ErrorCode = "BAD_REQUEST"
	ErrInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrInternalServer   ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrStaleUpdate      ErrorCode = "STALE_UPDATE"
	ErrLockTimeout      ErrorCode = "LOCK_TIMEOUT"
	ErrLinkUnavailable  ErrorCode = "LINK_UNAVAILABLE"
)

// Conflict reasons carried in Details when the code is CONFLICT. Clients
// branch on these to decide between retrying and surfacing the failure.
const (
	ReasonInsufficientSeats = "insufficient_seats"
	ReasonSeatTaken         = "seat_taken"
	ReasonBookingConflict   = "booking_conflict"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Code extracts the error code from err, or INTERNAL_SERVER_ERROR when err
// is not an APIError.
func Code(err error) ErrorCode {
	if apiErr, ok := err.(APIError); ok {
		return apiErr.Code
	}
	return ErrInternalServer
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := err.(APIError); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrBadRequest, ErrInvalidInput:
			return http.StatusBadRequest
		case ErrCapacityExceeded:
			return http.StatusTooManyRequests
		case ErrStaleUpdate:
			return http.StatusConflict
		case ErrLockTimeout:
			return http.StatusRequestTimeout
		case ErrLinkUnavailable:
			return http.StatusServiceUnavailable
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
