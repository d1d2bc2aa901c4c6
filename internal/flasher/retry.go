package flasher

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Retry runs op up to attempts times. Only transient errors are retried, with
// delays taken from b. The last error is returned when the budget runs out.
func Retry(ctx context.Context, attempts int, b *backoff.Backoff, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b.Reset()

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		err = op()
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}

	return err
}
