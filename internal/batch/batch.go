// Package batch runs one enrichment policy over a list of images and
// tallies the outcome. One image failing never stops the run.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/pkg/enrich"
)

var (
	// ErrNoImages is returned when the run has nothing to process
	ErrNoImages = errors.New("no images found")
	// ErrLocked means another batch run holds the lock file
	ErrLocked = errors.New("another batch run is in progress")
	// ErrConflictingFlags rejects --refresh together with --force
	ErrConflictingFlags = errors.New("--refresh and --force cannot be used at the same time")
)

// Policy runs one policy decision for an image
type Policy interface {
	Run(ctx context.Context, mode enrich.Mode, id int64) (enrich.Outcome, error)
}

// Records reads back an image after enrichment
type Records interface {
	Image(ctx context.Context, id int64) (enrich.Record, error)
}

// ModeFromFlags maps the CLI flags to a mode
func ModeFromFlags(refresh, force bool) (enrich.Mode, error) {
	switch {
	case refresh && force:
		return "", ErrConflictingFlags
	case refresh:
		return enrich.ModeRefresh, nil
	case force:
		return enrich.ModeForce, nil
	}
	return enrich.ModeIfNoneExists, nil
}

// Result is the outcome for one image
type Result struct {
	ID      int64
	Outcome enrich.Outcome
	AltText string
	Err     error
}

// Report tallies a run
type Report struct {
	Mode      enrich.Mode
	Total     int
	Successes int
	Errors    int
	Skips     int
	Results   []Result
}

// Options configures a Runner
type Options struct {
	// LockPath guards against overlapping runs; empty disables locking.
	LockPath string
	// Out receives per-image progress lines; nil discards them.
	Out    io.Writer
	Logger *slog.Logger
}

// Runner processes batches
type Runner struct {
	policy  Policy
	records Records
	opts    Options
	logger  *slog.Logger
}

// NewRunner creates a runner
func NewRunner(policy Policy, records Records, opts Options) *Runner {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Runner{
		policy:  policy,
		records: records,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "batch"),
	}
}

// Run applies mode to every id in order.
func (r *Runner) Run(ctx context.Context, mode enrich.Mode, ids []int64) (Report, error) {
	report := Report{Mode: mode, Total: len(ids)}
	if len(ids) == 0 {
		return report, ErrNoImages
	}

	if r.opts.LockPath != "" {
		unlock, err := acquire(r.opts.LockPath)
		if err != nil {
			return report, err
		}
		defer unlock()
	}

	r.logger.Info("batch started", logging.String(logging.FieldMode, string(mode)), logging.Int("images", len(ids)))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := r.one(ctx, mode, id)
		report.Results = append(report.Results, res)
		switch res.Outcome {
		case enrich.Enriched:
			report.Successes++
		case enrich.Skipped:
			report.Skips++
		default:
			report.Errors++
		}
	}
	r.logger.Info("batch finished",
		logging.Int("successes", report.Successes),
		logging.Int("errors", report.Errors),
		logging.Int("skips", report.Skips))
	return report, nil
}

func (r *Runner) one(ctx context.Context, mode enrich.Mode, id int64) Result {
	outcome, err := r.policy.Run(ctx, mode, id)
	res := Result{ID: id, Outcome: outcome, Err: err}

	switch outcome {
	case enrich.Skipped:
		reason := "it already has alt text"
		if mode == enrich.ModeRefresh {
			reason = "it is unenriched"
		}
		fmt.Fprintf(r.opts.Out, "Warning: Skipping image #%d because %s.\n", id, reason)
	case enrich.Enriched:
		if rec, err := r.records.Image(ctx, id); err == nil {
			res.AltText = rec.AltText
		}
		fmt.Fprintf(r.opts.Out, "Generated alt text for image #%d: %s\n", id, res.AltText)
	default:
		if err == nil {
			err = errors.New("unknown error")
			res.Err = err
		}
		r.logger.Warn("image not enriched", logging.Int64(logging.FieldImageID, id), logging.Error(err))
		fmt.Fprintf(r.opts.Out, "Warning: Error generating alt text for image #%d: %v\n", id, err)
	}
	return res
}

func acquire(lockPath string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrLocked, lockPath)
	}
	return func() { _ = lock.Unlock() }, nil
}
