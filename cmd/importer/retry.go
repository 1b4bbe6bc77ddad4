package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/airframesio/table-importer/cmd/dbconn"
)

// Retry defaults
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// retrier runs a page operation up to attempts times with a fixed delay in
// between. Errors the server will repeat on every attempt stop it early.
type retrier struct {
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

func newRetrier(s Settings, sleep func(context.Context, time.Duration) error, logger *slog.Logger) retrier {
	r := retrier{attempts: s.MaxRetries, delay: s.RetryDelay, sleep: sleep, logger: logger}
	if r.attempts <= 0 {
		r.attempts = DefaultMaxRetries
	}
	if r.delay < 0 {
		r.delay = DefaultRetryDelay
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// do returns nil, the context error when the job was cancelled, or a
// *FatalIOError wrapping the last *TransientIOError.
func (r retrier) do(ctx context.Context, op string, page, pages int, fn func(context.Context) error) error {
	var last *TransientIOError
	attempt := 0
	for attempt < r.attempts {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		last = &TransientIOError{Op: op, Page: page, Attempt: attempt, Err: err}
		if !dbconn.IsTransient(err) {
			r.logger.Warn(fmt.Sprintf("Page %d/%d %s failed permanently: %v", page, pages, op, err))
			break
		}
		if attempt < r.attempts {
			r.logger.Warn(fmt.Sprintf("Page %d/%d %s failed, retry %d/%d: %v", page, pages, op, attempt, r.attempts, err))
			if err := r.sleep(ctx, r.delay); err != nil {
				return err
			}
		}
	}
	return &FatalIOError{Op: op, Page: page, Attempts: attempt, Err: last}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
