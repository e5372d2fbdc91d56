// Package viame drives a local VIAME install: validating it, running
// detection pipelines and training, querying GPUs and transcoding media.
//
// Every operation builds its command line through a platform.Platform, so
// the same Backend serves Linux and Windows installs.
package viame

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/platform"
)

// Files produced inside a job working directory.
const (
	DetectorOutputFile  = "detector_output.csv"
	TrackOutputFile     = "track_output.csv"
	ImageManifestFile   = "image-manifest.txt"
	InputFolderListFile = "input_folder_list.txt"
	InputTruthListFile  = "input_truth_list.txt"
)

// ErrInstallInvalid is returned when the install's runner cannot be
// resolved after activation.
var ErrInstallInvalid = errors.New("kwiver failed to initialize")

// Backend runs VIAME tooling for datasets held in a dataset.Store.
type Backend struct {
	platform  platform.Platform
	store     *dataset.Store
	launcher  jobs.Launcher
	logger    *zap.Logger
	nvidiaSMI []string

	// metaMu orders dataset metadata writes made by conversions.
	metaMu sync.Mutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithLauncher replaces the default jobs.Runner.
func WithLauncher(l jobs.Launcher) Option {
	return func(b *Backend) { b.launcher = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithNvidiaSMI overrides the platform's nvidia-smi candidates.
func WithNvidiaSMI(candidates ...string) Option {
	return func(b *Backend) { b.nvidiaSMI = candidates }
}

func New(p platform.Platform, store *dataset.Store, opts ...Option) *Backend {
	b := &Backend{
		platform: p,
		store:    store,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.launcher == nil {
		b.launcher = jobs.NewRunner(
			jobs.WithLogger(b.logger),
			jobs.WithStore(jobs.NewStore(store.JobsDir())),
		)
	}
	if b.nvidiaSMI == nil {
		b.nvidiaSMI = p.NvidiaSMICandidates()
	}
	return b
}

// Platform returns the adapter commands are built with.
func (b *Backend) Platform() platform.Platform { return b.platform }

func (b *Backend) viamePath() string {
	return b.store.Settings().ViamePath
}

func (b *Backend) setupPrerequisite() jobs.Prerequisite {
	return jobs.Prerequisite{
		Path: b.platform.SetupScript(b.viamePath()),
		Err:  jobs.ErrSetupScriptMissing,
	}
}

// activated prefixes a command with the install's activation script.
func (b *Backend) activated(parts ...string) string {
	return platform.Chain(b.platform.SourceSetup(b.viamePath()), platform.CommandLine(parts...))
}

func (b *Backend) exe(tool platform.Tool) string {
	return b.platform.Executable(b.viamePath(), tool)
}

// runSync runs a shell line to completion and captures its output.
func (b *Backend) runSync(ctx context.Context, line string) (stdout, stderr []byte, err error) {
	var out, errOut bytes.Buffer
	cmd := b.platform.Command(ctx, line)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err = cmd.Run()
	return out.Bytes(), errOut.Bytes(), err
}
