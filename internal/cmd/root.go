// Package cmd implements the viamerun command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/config"
	"github.com/3leaps/viamerun/internal/dispatch"
	"github.com/3leaps/viamerun/internal/observability"
	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/manifest"
	"github.com/3leaps/viamerun/pkg/platform"
	"github.com/3leaps/viamerun/pkg/preflight"
	"github.com/3leaps/viamerun/pkg/viame"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata. Called from main before Execute.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity set up by the root command, or nil
// before any command has run.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var (
	cfgFile       string
	verbose       bool
	viamePathFlag string
	dataPathFlag  string
	readOnly      bool
)

var rootCmd = &cobra.Command{
	Use:   "viamerun",
	Short: "Run VIAME pipelines and training jobs for DIVE datasets",
	Long: `viamerun drives a local VIAME install on behalf of DIVE desktop datasets.

It launches detection pipelines, detector training and media transcoding as
background processes, streams their output as JSON lines, imports the
resulting annotations, and can publish job results to S3 or a directory.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./viamerun.yaml or <user config dir>/viamerun/viamerun.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().StringVar(&viamePathFlag, "viame-path", "", "VIAME install directory")
	rootCmd.PersistentFlags().StringVar(&dataPathFlag, "data-path", "", "DIVE data directory")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse commands that start jobs, write datasets or publish")
}

// Execute runs the root command and exits with the code carried by any
// ExitError.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			ExitWithCode(observability.CLILogger, exitErr.Code, exitErr.Message, exitErr.Err)
		}
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Command failed", err)
	}
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(config.AppName, verbose)
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.ConfigName,
	}

	config.SetConfigFile(cfgFile)
	if _, err := config.Load(cmd.Context(), flagOverrides()); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return nil
}

// flagOverrides lifts explicitly set global flags into config overrides.
func flagOverrides() map[string]any {
	out := map[string]any{}
	if viamePathFlag != "" {
		out["viame"] = map[string]any{"path": viamePathFlag}
	}
	if dataPathFlag != "" {
		out["data"] = map[string]any{"path": dataPathFlag}
	}
	if readOnly {
		out["readonly"] = true
	}
	return out
}

// requireWritable fails op when readonly mode is on.
func requireWritable(op string) error {
	cfg := config.GetConfig()
	if cfg == nil || !cfg.ReadOnly {
		return nil
	}
	return exitError(foundry.ExitInvalidArgument, "Blocked by readonly mode",
		fmt.Errorf("%s is not allowed in readonly mode (--readonly or VIAMERUN_READONLY)", op))
}

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	} else {
		logger.Error(message, zap.Int("exit_code", code))
	}
	_ = logger.Sync()
	os.Exit(code)
}

// jobExitCode maps a job exit code onto a process exit code.
func jobExitCode(code int) int {
	if code <= 0 || code > 255 {
		return 1
	}
	return code
}

// services bundles what commands share.
type services struct {
	cfg      *config.Config
	platform platform.Platform
	datasets *dataset.Store
	jobs     *jobs.Store
	backend  *viame.Backend
	logger   *zap.Logger
}

func newServices() (*services, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	logger := observability.CLILogger
	p := platform.Current()

	datasets := dataset.NewStore(cfg.Settings(), dataset.WithLogger(logger))
	jobStore := jobs.NewStore(datasets.JobsDir())
	runner := jobs.NewRunner(
		jobs.WithLogger(logger),
		jobs.WithStore(jobStore),
		jobs.WithHeartbeatInterval(cfg.Jobs.HeartbeatInterval),
	)
	backend := viame.New(p, datasets, viame.WithLogger(logger), viame.WithLauncher(runner))

	return &services{
		cfg:      cfg,
		platform: p,
		datasets: datasets,
		jobs:     jobStore,
		backend:  backend,
		logger:   logger,
	}, nil
}

func (s *services) dispatcher() *dispatch.Dispatcher {
	// Validate has already accepted the mode.
	mode, _ := preflight.ParseMode(s.cfg.Publish.Preflight)
	return dispatch.New(s.backend,
		dispatch.WithLogger(s.logger),
		dispatch.WithPublishDefaults(s.publishDefaults()),
		dispatch.WithPreflight(mode))
}

func (s *services) publishDefaults() manifest.PublishConfig {
	p := s.cfg.Publish
	return manifest.PublishConfig{
		Destination:    p.Destination,
		Region:         p.Region,
		Endpoint:       p.Endpoint,
		Profile:        p.Profile,
		ForcePathStyle: p.ForcePathStyle,
	}
}
