package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/storyforge/internal/runstore"
	"github.com/jonathan/storyforge/internal/types"
)

// errRequest reports a malformed request body or parameter.
type errRequest struct {
	Field   string
	Message string
}

func (e *errRequest) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return "invalid request: " + e.Field + " - " + e.Message
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var reqErr *errRequest
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, runstore.ErrConflict):
		return http.StatusConflict
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindState, types.KindBranchConflict:
		return http.StatusConflict
	case types.KindContextIsolation:
		return http.StatusForbidden
	case types.KindTransientExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorCode returns the machine-readable code sent alongside the message.
func errorCode(err error) string {
	var reqErr *errRequest
	switch {
	case errors.As(err, &reqErr):
		return string(types.KindValidation)
	case errors.Is(err, runstore.ErrConflict):
		return "conflict"
	}
	return string(types.KindOf(err))
}
