package rate

import (
	"context"
	"fmt"

	xrate "golang.org/x/time/rate"
)

// Limiter gates outbound API calls so we respect Gmail rate limits.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket releases a fixed number of requests per second.
type TokenBucket struct {
	limiter *xrate.Limiter
}

// NewTokenBucket returns a limiter that releases rps tokens per second.
// The burst equals rps so the first second of calls is not delayed.
func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	return &TokenBucket{limiter: xrate.NewLimiter(xrate.Limit(rps), rps)}
}

// Wait blocks until a token is available or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait canceled: %w", err)
	}
	return nil
}

// Unlimited never blocks.
type Unlimited struct{}

// Wait returns immediately unless ctx is already done.
func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}

// Wait is a nil-safe helper: a nil limiter never blocks.
func Wait(ctx context.Context, l Limiter, operation string) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = Unlimited{}
)
