package errors

import "net/http"

type Code string

const (
	CodeUnknown                Code = "UNKNOWN"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeUpstreamFailure        Code = "UPSTREAM_FAILURE"
	CodeTransferFailure        Code = "TRANSFER_FAILURE"
	CodeInternal               Code = "INTERNAL"
)

// HTTPStatus maps an error code to the status returned to HTTP clients.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidStateTransition:
		return http.StatusConflict
	case CodeUpstreamFailure, CodeTransferFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
