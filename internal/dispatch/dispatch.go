// Package dispatch starts run requests on the VIAME backend and publishes
// their results once they finish.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/manifest"
	"github.com/3leaps/viamerun/pkg/preflight"
	"github.com/3leaps/viamerun/pkg/provider"
	"github.com/3leaps/viamerun/pkg/publish"
	"github.com/3leaps/viamerun/pkg/viame"
)

// Backend is the part of viame.Backend a Dispatcher drives.
type Backend interface {
	RunPipeline(ctx context.Context, req viame.RunPipeline, updater jobs.Updater) (*jobs.Job, error)
	RunTraining(ctx context.Context, req viame.RunTraining, updater jobs.Updater) (*jobs.Job, error)
}

// Opener resolves a publish configuration to a provider and key prefix.
type Opener func(ctx context.Context, cfg manifest.PublishConfig) (provider.Provider, string, error)

// OpenDestination is the default Opener.
func OpenDestination(ctx context.Context, cfg manifest.PublishConfig) (provider.Provider, string, error) {
	dest, err := publish.ParseURI(cfg.Destination)
	if err != nil {
		return nil, "", err
	}
	return publish.Open(ctx, dest, publish.S3Options{
		Region:         cfg.Region,
		Endpoint:       cfg.Endpoint,
		Profile:        cfg.Profile,
		ForcePathStyle: cfg.ForcePathStyle,
	})
}

type Dispatcher struct {
	backend   Backend
	defaults  manifest.PublishConfig
	open      Opener
	preflight preflight.Mode
	logger    *zap.Logger
}

type Option func(*Dispatcher)

// WithPublishDefaults sets the destination used when a request names none.
func WithPublishDefaults(cfg manifest.PublishConfig) Option {
	return func(d *Dispatcher) { d.defaults = cfg }
}

func WithOpener(o Opener) Option {
	return func(d *Dispatcher) { d.open = o }
}

// WithPreflight sets how a destination is checked before launch. The
// default is a write probe.
func WithPreflight(m preflight.Mode) Option {
	return func(d *Dispatcher) { d.preflight = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func New(b Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:   b,
		open:      OpenDestination,
		preflight: preflight.ModeWriteProbe,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run is a dispatched request. Done closes after the terminal update and,
// when the job succeeded with a destination configured, after publishing.
type Run struct {
	Job         *jobs.Job
	Destination string

	done       chan struct{}
	mu         sync.Mutex
	final      jobs.Job
	receipt    *publish.Receipt
	publishErr error
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run completes or ctx ends.
func (r *Run) Wait(ctx context.Context) (jobs.Job, *publish.Receipt, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return jobs.Job{}, nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final, r.receipt, r.publishErr
}

// Dispatch launches req. Precondition failures, including a destination
// that fails its write probe, return an error and no Run.
func (d *Dispatcher) Dispatch(ctx context.Context, req *manifest.RunRequest, updater jobs.Updater) (*Run, error) {
	if req == nil {
		return nil, fmt.Errorf("run request is nil")
	}
	if updater == nil {
		updater = func(jobs.Update) {}
	}

	cfg := d.publishConfig(req)
	if cfg.Destination != "" {
		if err := d.Preflight(ctx, cfg); err != nil {
			return nil, err
		}
	}
	run := &Run{Destination: cfg.Destination, done: make(chan struct{})}
	wrapped := func(u jobs.Update) {
		updater(u)
		if u.Terminal() {
			go d.finish(context.WithoutCancel(ctx), run, u.Job, cfg)
		}
	}

	var (
		job *jobs.Job
		err error
	)
	switch req.Kind {
	case manifest.KindPipeline:
		var p viame.RunPipeline
		if p, err = req.PipelineRun(); err == nil {
			job, err = d.backend.RunPipeline(ctx, p, wrapped)
		}
	case manifest.KindTraining:
		var t viame.RunTraining
		if t, err = req.TrainingRun(); err == nil {
			job, err = d.backend.RunTraining(ctx, t, wrapped)
		}
	default:
		err = fmt.Errorf("unknown run kind %q", req.Kind)
	}
	if err != nil {
		return nil, err
	}

	run.Job = job
	d.logger.Info("run dispatched",
		zap.String("key", job.Key),
		zap.String("kind", string(req.Kind)),
		zap.String("destination", cfg.Destination))
	return run, nil
}

func (d *Dispatcher) finish(ctx context.Context, run *Run, job jobs.Job, cfg manifest.PublishConfig) {
	defer close(run.done)

	var (
		receipt *publish.Receipt
		err     error
	)
	if cfg.Destination != "" && job.ExitCode != nil && *job.ExitCode == 0 {
		receipt, err = d.Publish(ctx, job, cfg)
		if err != nil {
			d.logger.Error("publish failed", zap.String("key", job.Key), zap.Error(err))
		}
	}

	run.mu.Lock()
	run.final = job
	run.receipt = receipt
	run.publishErr = err
	run.mu.Unlock()
}

// Publish copies a finished job's artifacts to cfg.Destination.
func (d *Dispatcher) Publish(ctx context.Context, job jobs.Job, cfg manifest.PublishConfig) (*publish.Receipt, error) {
	p, prefix, err := d.open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Destination, err)
	}
	defer func() { _ = p.Close() }()

	receipt, err := publish.New(p, prefix, publish.WithLogger(d.logger)).Publish(ctx, job)
	if err != nil {
		return nil, err
	}
	d.logger.Info("job published",
		zap.String("key", job.Key),
		zap.String("destination", cfg.Destination),
		zap.Int("artifacts", len(receipt.Artifacts)))
	return receipt, nil
}

// Preflight probes cfg.Destination for write access.
func (d *Dispatcher) Preflight(ctx context.Context, cfg manifest.PublishConfig) error {
	if d.preflight == preflight.ModeOff {
		return nil
	}
	p, prefix, err := d.open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Destination, err)
	}
	defer func() { _ = p.Close() }()

	rep, err := preflight.WriteProbe(ctx, p, preflight.Spec{Mode: d.preflight, ProbePrefix: prefix})
	for _, r := range rep.Results {
		d.logger.Debug("preflight check",
			zap.String("destination", cfg.Destination),
			zap.String("capability", r.Capability),
			zap.Bool("allowed", r.Allowed),
			zap.String("error_code", r.ErrorCode))
	}
	if err != nil {
		return fmt.Errorf("preflight %s: %w", cfg.Destination, err)
	}
	return nil
}

// PublishDefaults returns the configured default destination.
func (d *Dispatcher) PublishDefaults() manifest.PublishConfig { return d.defaults }

func (d *Dispatcher) publishConfig(req *manifest.RunRequest) manifest.PublishConfig {
	if req.Publish != nil && req.Publish.Destination != "" {
		return *req.Publish
	}
	return d.defaults
}
