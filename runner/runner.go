// Package runner fans independent experiment jobs out across engine devices,
// one worker per device.
//
// It mirrors a per-accelerator dispatch: every worker owns one device
// configuration string, jobs build their own model on that device, and
// workers share nothing. Jobs are handed to whichever device becomes free,
// so a mixed workload of short and long runs stays balanced.
package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cytovae"
)

// Job is one independent unit of work, typically the full train-and-encode
// pass of one dataset and model configuration pair.
type Job struct {
	// Name identifies the job in logs and error messages.
	Name string

	// Run does the work on the device assigned to the executing worker.
	// Implementations build their own model from the device string and must
	// not share mutable state with other jobs.
	Run func(ctx context.Context, device string) error
}

// Option configures a run.
type Option func(*options)

type options struct {
	logger *cytovae.Logger
}

// WithLogger sets the logger receiving per-job records.
func WithLogger(l *cytovae.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Run executes all jobs across the given devices with one worker per device.
// An empty device list runs everything on the engine default backend.
//
// The first job error cancels the dispatch and is returned; workers finish
// the job they are on but pick up no further work. Cancelling the context
// stops the dispatch the same way.
func Run(ctx context.Context, devices []string, jobs []Job, optFns ...Option) error {
	opts := options{logger: cytovae.NoopLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = cytovae.NoopLogger()
	}

	for _, job := range jobs {
		if job.Run == nil {
			return fmt.Errorf("runner: job %s has no Run function", job.Name)
		}
	}
	if len(devices) == 0 {
		devices = []string{""}
	}

	jobCh := make(chan Job)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobCh)
		for _, job := range jobs {
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case jobCh <- job:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for _, device := range devices {
		logger := opts.logger
		if device != "" {
			logger = logger.WithDevice(device)
		}
		g.Go(func() error {
			for job := range jobCh {
				if err := gctx.Err(); err != nil {
					return err
				}
				logger.InfoContext(gctx, "job started", "job", job.Name)
				if err := job.Run(gctx, device); err != nil {
					logger.ErrorContext(gctx, "job failed", "job", job.Name, "error", err)
					return fmt.Errorf("runner: job %s: %w", job.Name, err)
				}
				logger.InfoContext(gctx, "job completed", "job", job.Name)
			}
			return nil
		})
	}

	return g.Wait()
}
