// Package retry is the retry helper used by the execution service: up to 3
// attempts with 0.5s..2s exponential backoff, retrying only errors the caller
// classifies as transient. Built on failsafe-go, the same library as the HTTP
// client's resilience pipeline.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy carries the per-call-site retry tuning.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy matches the retry contract both retrying components share:
// 3 attempts total, exponential backoff starting at 0.5s capped at 2s.
var DefaultPolicy = Policy{
	MaxRetries:     2, // attempts = retries + 1
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn under the policy, retrying transient errors until the attempts
// are exhausted or ctx is done. The last error is returned unwrapped-able via
// errors.Is, so sentinel classification survives the retry layer.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	rp := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			if err == nil || ctx.Err() != nil {
				return false
			}
			return isTransient(err)
		}).
		WithBackoff(policy.InitialBackoff, policy.MaxBackoff).
		WithMaxRetries(policy.MaxRetries).
		ReturnLastFailure().
		Build()

	_, err := failsafe.With[any](rp).GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fn()
	})
	return err
}
