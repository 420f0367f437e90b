package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/jonathan/storyforge/internal/types"
	"google.golang.org/api/googleapi"
)

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	HTTPCode() int
}

// Classify wraps err as a TransientExternalError when a retry could succeed.
// Cancellation and everything else pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return &types.TransientExternalError{Message: op, Cause: err}
	}
	return err
}

// IsTransient reports whether err is a rate limit, server error, or timeout.
func IsTransient(err error) bool {
	var already *types.TransientExternalError
	if errors.As(err, &already) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return retryableStatus(gerr.Code)
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return retryableStatus(sc.HTTPCode())
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
