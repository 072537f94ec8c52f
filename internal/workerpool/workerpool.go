// Package workerpool dispatches independent compression jobs across a fixed
// number of workers, draining results as they complete and aborting the
// remaining dispatch on the first error. Unlike a build
// scheduler ordering interdependent steps, jobs here never depend on one
// another, so there is no graph to walk: a flat channel of work is enough.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Job is one unit of work: compress the file at Path and report back
// through the Index that places it in the caller's original ordering.
type Job struct {
	Index int
	Path  string
}

// Result carries a job's outcome. Wrapped is the already-wrapper-encoded
// payload (archfmt.EncodeWrapped output) on success.
type Result struct {
	Index   int
	Path    string
	Wrapped []byte
	Err     error
}

// CompressFunc performs the actual work for one job. Implementations must be
// safe to call concurrently from multiple goroutines.
type CompressFunc func(ctx context.Context, path string) ([]byte, error)

// Pool runs a batch of jobs and returns their results. Implementations do
// not guarantee the returned slice is in dispatch order; callers that need
// deterministic output order sort by Result.Index themselves.
type Pool interface {
	Run(ctx context.Context, jobs []Job) ([]Result, error)
}

// New returns a Pool with workers goroutines, or an inline single-threaded
// Pool when workers <= 1. fn is invoked once per job.
func New(workers int, fn CompressFunc) Pool {
	if workers <= 1 {
		return &inlinePool{fn: fn}
	}
	return &parallelPool{workers: workers, fn: fn}
}

// inlinePool runs jobs one at a time on the caller's goroutine; New returns
// it whenever the requested worker count is at most one.
type inlinePool struct {
	fn CompressFunc
}

func (p *inlinePool) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	results := make([]Result, 0, len(jobs))
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		wrapped, err := p.fn(ctx, j.Path)
		if err != nil {
			return results, xerrors.Errorf("compressing %s: %w", j.Path, err)
		}
		results = append(results, Result{Index: j.Index, Path: j.Path, Wrapped: wrapped})
	}
	return results, nil
}

// parallelPool runs jobs across a fixed worker count using an errgroup: the
// first worker error cancels the shared context, which unblocks peers
// waiting on the work channel or on a long-running compress call that
// respects ctx.
type parallelPool struct {
	workers int
	fn      CompressFunc
}

func (p *parallelPool) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	parent := ctx
	work := make(chan Job)
	done := make(chan Result)
	eg, ctx := errgroup.WithContext(ctx)

	workers := p.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for j := range work {
				wrapped, err := p.fn(ctx, j.Path)
				if err != nil {
					return xerrors.Errorf("compressing %s: %w", j.Path, err)
				}
				select {
				case done <- Result{Index: j.Index, Path: j.Path, Wrapped: wrapped}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		defer close(work)
		for _, j := range jobs {
			select {
			case work <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	results := make([]Result, 0, len(jobs))
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for len(results) < len(jobs) {
			select {
			case r := <-done:
				results = append(results, r)
			case <-ctx.Done():
				return
			}
		}
	}()

	err := eg.Wait()
	<-collectDone
	if err != nil {
		return results, err
	}
	if len(results) < len(jobs) {
		// The caller's context was canceled while no worker was mid-send, so
		// every worker returned nil; report the cancellation instead of a
		// short result set.
		if perr := parent.Err(); perr != nil {
			return results, perr
		}
	}
	return results, nil
}

// AutoTuneWorkers samples a handful of representative files at candidate
// worker counts and returns whichever count finished the sample fastest.
// timeFn must time running fn over the given sample at the given worker
// count and return the elapsed duration.
func AutoTuneWorkers(candidates []int, timeFn func(workers int) (nanos int64, err error)) (int, error) {
	best := -1
	var bestNanos int64
	for _, w := range candidates {
		nanos, err := timeFn(w)
		if err != nil {
			return 0, xerrors.Errorf("timing worker count %d: %w", w, err)
		}
		if best == -1 || nanos < bestNanos {
			best = w
			bestNanos = nanos
		}
	}
	if best == -1 {
		return 0, xerrors.Errorf("no candidate worker counts given")
	}
	return best, nil
}
