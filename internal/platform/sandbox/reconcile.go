package sandbox

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrUnresolved is returned when some fixtures still fail after the retry
// loop stopped making progress.
var ErrUnresolved = errors.New("unresolved fixtures")

// Report summarizes an upload run.
type Report struct {
	Uploaded []string
	Skipped  []string
	Failed   []string

	// Passes is the number of passes the retry loop made.
	Passes int

	// Combined is the number of entries in the merged transaction, if any.
	Combined int

	lastErr map[string]error
}

// Err returns nil when nothing failed, otherwise ErrUnresolved combined
// with the last error of every unresolved fixture.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %d fixture(s) could not be uploaded", ErrUnresolved, len(r.Failed))
	for _, p := range r.Failed {
		err = multierr.Append(err, fmt.Errorf("%s: %w", p, r.lastErr[p]))
	}
	return err
}

// attemptFunc uploads one fixture. skipped reports an idempotent no-op.
type attemptFunc func(ctx context.Context, f *Fixture) (skipped bool, err error)

// reconcile runs attempt over pending until every fixture succeeds or a pass
// fails exactly as many fixtures as the one before it. Only failures are
// retried. The first pass is compared against the full set, so a pass in
// which everything fails is final.
func (u *Uploader) reconcile(ctx context.Context, pending []*Fixture, attempt attemptFunc, report *Report) {
	if report.lastErr == nil {
		report.lastErr = make(map[string]error)
	}

	previous := len(pending)
	for len(pending) > 0 {
		report.Passes++

		var failing []*Fixture
		for _, f := range pending {
			skipped, err := attempt(ctx, f)
			switch {
			case err != nil:
				report.lastErr[f.Path] = err
				failing = append(failing, f)
				u.logger.Debug().Err(err).Str("file", f.Path).Msg("upload failed")
			case skipped:
				report.Skipped = append(report.Skipped, f.Path)
			default:
				report.Uploaded = append(report.Uploaded, f.Path)
			}
		}

		if len(failing) == 0 {
			return
		}
		if len(failing) == previous {
			for _, f := range failing {
				report.Failed = append(report.Failed, f.Path)
			}
			u.logger.Error().Int("count", len(failing)).Int("pass", report.Passes).Msg("upload stalled, giving up")
			return
		}

		u.logger.Info().Int("count", len(failing)).Int("pass", report.Passes).Msg("resources to retry")
		previous = len(failing)
		pending = failing
	}
}
