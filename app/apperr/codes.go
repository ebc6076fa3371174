package apperr

import "net/http"

type Code string

const (
	CodeUnknown          Code = "unknown"
	CodeUnauthenticated  Code = "unauthenticated"
	CodePermissionDenied Code = "permission_denied"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeInvalidTarget    Code = "invalid_target"
	CodeDuplicateRequest Code = "duplicate_request"
	CodeNotAuthorized    Code = "not_authorized"
	CodeAlreadyResolved  Code = "already_resolved"
	CodeNotAParticipant  Code = "not_a_participant"
	CodeEmptyBody        Code = "empty_body"
	CodeNoCellSet        Code = "no_cell_set"
	CodeNotFound         Code = "not_found"
	CodeStoreUnavailable Code = "store_unavailable"
)

// HTTPStatus maps a code to the status the API answers with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied, CodeNotAuthorized, CodeNotAParticipant:
		return http.StatusForbidden
	case CodeInvalidArgument, CodeInvalidTarget, CodeEmptyBody:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyResolved, CodeDuplicateRequest:
		return http.StatusConflict
	case CodeNoCellSet:
		return http.StatusPreconditionFailed
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
