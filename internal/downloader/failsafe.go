package downloader

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/control"
	"github.com/vrsandeep/mango-archiver/internal/metrics"
	"github.com/vrsandeep/mango-archiver/internal/network"
)

// failsafe retries a download unit on I/O failures. After more than
// maxAttempts consecutive failures it calls pause and waits for the user to
// resume (retry the unit) or skip it.
type failsafe struct {
	maxAttempts int
	delay       time.Duration
	signal      *control.Signal
	// pause and resume are called around the wait so the caller can publish
	// the paused state.
	pause  func(err error)
	resume func()
	log    zerolog.Logger
}

func (f *failsafe) run(ctx context.Context, unit func(ctx context.Context) error) error {
	failures := 0
	for {
		err := unit(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isIOError(err) {
			return err
		}

		if retryAfter, ok := network.RetryAfter(err); ok {
			// Rate limiting does not count as a failure.
			metrics.Retries.WithLabelValues("rate_limited").Inc()
			f.log.Debug().Dur("retry_after", retryAfter).Msg("Rate limited, waiting")
			if err := sleep(ctx, f.delay+retryAfter); err != nil {
				return err
			}
			continue
		}

		failures++
		if failures <= f.maxAttempts {
			metrics.Retries.WithLabelValues("transient").Inc()
			f.log.Debug().Err(err).Int("attempt", failures).Msg("Retrying after I/O failure")
			if err := sleep(ctx, f.delay); err != nil {
				return err
			}
			continue
		}

		f.log.Warn().Err(err).Msg("Too many failures, pausing download")
		action, werr := f.signal.PauseAndWait(ctx, func() { f.pause(err) })
		if werr != nil {
			return werr
		}
		f.resume()
		failures = 0
		if action == control.ActionSkip {
			return errSkipped
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
