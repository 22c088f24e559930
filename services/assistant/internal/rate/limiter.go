package rate

import (
	"context"
	"time"
)

// Limiter admits or rejects one request for key. A rejection carries the
// time until the caller's window resets.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
