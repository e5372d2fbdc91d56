package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Chain runs a list of specs one after another as a single logical job.
//
// Every update is re-keyed to the first step's key. Intermediate step
// completions are relayed as progress lines; the chain emits exactly one
// terminal update, either after the last step succeeds or at the first
// failing step (whose exit code it carries). Later steps are never launched
// after a failure.
type Chain struct {
	Launcher Launcher
	Logger   *zap.Logger

	// Progress formats the line sent after step i (1-based) of n succeeds.
	Progress func(i, n int) string

	// OnComplete runs after the final step succeeds. Errors are logged and
	// do not change the exit code.
	OnComplete func(ctx context.Context, job Job) error

	// OnFailure runs when a step exits non-zero or cannot start, before
	// the terminal update. Errors are logged.
	OnFailure func(ctx context.Context, job Job) error
}

// DefaultProgress is the progress line for conversion chains.
func DefaultProgress(i, n int) string {
	return fmt.Sprintf("Conversion %d of %d Complete", i, n)
}

// Start launches the first step and returns the chain's job. Precondition
// failures of the first step are returned synchronously.
func (c *Chain) Start(ctx context.Context, steps []Spec, updater Updater) (*Job, error) {
	if c.Launcher == nil {
		return nil, fmt.Errorf("chain launcher is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("chain has no steps")
	}
	if updater == nil {
		updater = func(Update) {}
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	progress := c.Progress
	if progress == nil {
		progress = DefaultProgress
	}

	run := &chainRun{
		chain:    c,
		ctx:      ctx,
		steps:    steps,
		updater:  updater,
		logger:   logger,
		progress: progress,
	}

	first, err := c.Launcher.Start(ctx, steps[0], run.stepUpdater(0))
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	if run.key == "" {
		run.key = first.Key
		run.kind = first.Kind
		run.title = first.Title
		run.datasetIDs = first.DatasetIDs
	}
	run.mu.Unlock()

	out := first.Clone()
	out.Key = run.key
	return &out, nil
}

type chainRun struct {
	chain    *Chain
	ctx      context.Context
	steps    []Spec
	updater  Updater
	logger   *zap.Logger
	progress func(i, n int) string

	mu         sync.Mutex
	key        string
	kind       Kind
	title      string
	datasetIDs []string
	finished   bool
}

func (r *chainRun) stepUpdater(index int) Updater {
	return func(u Update) {
		r.mu.Lock()
		if r.key == "" {
			// First update of the first step arrives before Start returns.
			r.key = u.Key
			r.kind = u.Kind
			r.title = u.Title
			r.datasetIDs = u.DatasetIDs
		}
		r.mu.Unlock()

		if !u.Terminal() {
			r.emit(r.rekey(u))
			return
		}

		code := *u.ExitCode
		last := index == len(r.steps)-1
		switch {
		case code != 0:
			r.logger.Warn("Chain step failed",
				zap.String("key", r.key), zap.Int("step", index+1), zap.Int("exit_code", code))
			r.fail(r.rekey(u))
		case last:
			if r.chain.OnComplete != nil {
				done := r.rekey(u).Job
				if err := r.chain.OnComplete(r.ctx, done); err != nil {
					r.logger.Error("Chain completion failed", zap.String("key", r.key), zap.Error(err))
				}
			}
			final := r.rekey(u)
			final.Body = append(final.Body, r.progress(index+1, len(r.steps)))
			r.emit(final)
		default:
			progress := r.rekey(u)
			progress.ExitCode = nil
			progress.EndTime = nil
			progress.State = StateRunning
			progress.Body = append(progress.Body, r.progress(index+1, len(r.steps)))
			r.emit(progress)
			r.launch(index + 1)
		}
	}
}

// launch starts a later step under the chain's key so its manifest matches
// the updates.
func (r *chainRun) launch(index int) {
	spec := r.steps[index]
	if spec.Key == "" {
		r.mu.Lock()
		spec.Key = r.key
		r.mu.Unlock()
	}
	if _, err := r.chain.Launcher.Start(r.ctx, spec, r.stepUpdater(index)); err != nil {
		r.logger.Warn("Chain step could not start",
			zap.String("key", r.key), zap.Int("step", index+1), zap.Error(err))
		code := -1
		failed := Update{Job: Job{Key: r.key}, Body: []string{err.Error()}}
		failed.Kind = r.kind
		failed.Title = r.title
		failed.DatasetIDs = r.datasetIDs
		failed.ExitCode = &code
		failed.State = StateFailed
		end := time.Now().UTC()
		failed.EndTime = &end
		r.fail(failed)
	}
}

// fail runs OnFailure and emits u as the terminal update.
func (r *chainRun) fail(u Update) {
	if r.chain.OnFailure != nil {
		if err := r.chain.OnFailure(r.ctx, u.Job.Clone()); err != nil {
			r.logger.Error("Chain failure handling failed", zap.String("key", r.key), zap.Error(err))
		}
	}
	r.emit(u)
}

func (r *chainRun) rekey(u Update) Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Update{Job: u.Job.Clone(), Body: append([]string{}, u.Body...)}
	out.Key = r.key
	if r.kind != "" {
		out.Kind = r.kind
	}
	return out
}

// emit serializes delivery and drops anything after the terminal update.
func (r *chainRun) emit(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if u.Terminal() {
		r.finished = true
	}
	r.updater(u)
}
