package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed gateway operation. Status carries the HTTP status code
// (0 for transport-level failures) and Code the venue's JSON-RPC error code.
type Error struct {
	Op     string
	Status int
	Code   int
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.Status, e.Msg)
	}
	return fmt.Sprintf("gateway %s: status %d", e.Op, e.Status)
}

// RateLimited reports whether the error is a rate-limit rejection.
// Venue JSON-RPC code 10028 is "too_many_requests".
func (e *Error) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Code == 10028
}

// IsRateLimit reports whether err is a rate-limit gateway error. Only this
// class of failure is retried by the ticker fetch pool; everything else is
// fail-fast within the refresh cycle.
func IsRateLimit(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.RateLimited()
}
