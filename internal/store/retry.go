package store

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Haserjian/agentmesh/internal/meshkind"
)

// busySchedule implements backoff.BackOff with spec.md §4.1's exact
// contention schedule: 100ms, 200ms, 400ms, each plus 0-100ms jitter,
// capped at 3 retries. cenkalti/backoff/v4 (an indirect dependency of the
// teacher already, promoted to direct here) supplies the Retry driver and
// the MaxRetries wrapper; the schedule itself is small enough that a
// literal implementation is clearer than composing ExponentialBackOff's
// generic knobs to approximate it.
type busySchedule struct {
	attempt int
}

var _ backoff.BackOff = (*busySchedule)(nil)

func (b *busySchedule) NextBackOff() time.Duration {
	bases := [...]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if b.attempt >= len(bases) {
		return backoff.Stop
	}
	base := bases[b.attempt]
	b.attempt++
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond
	return base + jitter
}

func (b *busySchedule) Reset() { b.attempt = 0 }

// withBusyRetry retries op on SQLite "database is busy"/"locked" errors
// using the fixed schedule above, surfacing the original contention error
// wrapped as meshkind.Contention once the budget (3 retries) is exhausted.
func withBusyRetry(op func() error) error {
	var lastErr error
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isBusyErr(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(wrapped, backoff.WithMaxRetries(&busySchedule{}, 3))
	if err == nil {
		return nil
	}
	if isBusyErr(lastErr) {
		return meshkind.New(meshkind.Contention, "store", lastErr)
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
