package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for a 404-equivalent response. It is never
// retried, per §4.2 and §7.
var ErrNotFound = errors.New("provider: not found")

// ErrProviderTransient wraps a connection error, 5xx, or non-rate-limit 429
// that exhausted its retry budget.
var ErrProviderTransient = errors.New("provider: transient failure")

// ErrRateLimited is returned when the client's quota is exhausted and
// waitOnRateLimit is false, or is used internally to drive the wait path.
type ErrRateLimited struct {
	ResetAt time.Time
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("provider: rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// IsRateLimited reports whether err is (or wraps) an *ErrRateLimited.
func IsRateLimited(err error) (*ErrRateLimited, bool) {
	var rl *ErrRateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
