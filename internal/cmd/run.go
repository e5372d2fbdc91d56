package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/observability"
	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/manifest"
	"github.com/3leaps/viamerun/pkg/output"
	"github.com/3leaps/viamerun/pkg/preflight"
	"github.com/3leaps/viamerun/pkg/publish"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline or training job",
	Long: `Run a VIAME pipeline or training job and stream its output as JSON lines.

A run is described either by a run request file (--job) or by the
"pipeline" and "training" subcommands. Each output line is a
viamerun.update.v1 record; the last records are the job summary and, when
a destination is configured, the publish result.

Examples:
  viamerun run --job run.yaml
  viamerun run --job run.yaml --publish s3://results/reef
  viamerun run pipeline --dataset reef_ab12cd34ef --pipe detector_fish.pipe
  viamerun run training --dataset a --dataset b --name reef --config train_yolo.conf`,
	RunE: runFromFile,
}

var runPipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run a detection or tracking pipeline over one dataset",
	RunE:  runPipeline,
}

var runTrainingCmd = &cobra.Command{
	Use:   "training",
	Short: "Train a detector on one or more datasets",
	RunE:  runTraining,
}

var (
	runJobPath   string
	runOutput    string
	runPublish   string
	runPlan      bool
	runDatasets  []string
	runPipe      string
	runPipeName  string
	runPipeType  string
	runModelName string
	runConfig    string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runPipelineCmd)
	runCmd.AddCommand(runTrainingCmd)

	runCmd.PersistentFlags().StringVarP(&runOutput, "output", "o", "", "Write JSONL records to this file instead of stdout")
	runCmd.PersistentFlags().StringVar(&runPublish, "publish", "", "Publish results to this s3:// or file:// destination")
	runCmd.PersistentFlags().BoolVar(&runPlan, "dry-run", false, "Validate the request and print it without running")
	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to a run request (YAML or JSON)")

	runPipelineCmd.Flags().StringSliceVar(&runDatasets, "dataset", nil, "Dataset id")
	runPipelineCmd.Flags().StringVar(&runPipe, "pipe", "", "Pipeline file under configs/pipelines")
	runPipelineCmd.Flags().StringVar(&runPipeName, "name", "", "Pipeline display name (default: file stem)")
	runPipelineCmd.Flags().StringVar(&runPipeType, "type", "", "Pipeline type (default: file prefix)")
	_ = runPipelineCmd.MarkFlagRequired("dataset")
	_ = runPipelineCmd.MarkFlagRequired("pipe")

	runTrainingCmd.Flags().StringSliceVar(&runDatasets, "dataset", nil, "Dataset id (repeatable)")
	runTrainingCmd.Flags().StringVar(&runModelName, "name", "", "Name of the trained pipeline")
	runTrainingCmd.Flags().StringVar(&runConfig, "config", "", "Training configuration file (train_*.conf)")
	_ = runTrainingCmd.MarkFlagRequired("dataset")
	_ = runTrainingCmd.MarkFlagRequired("name")
	_ = runTrainingCmd.MarkFlagRequired("config")
}

func runFromFile(cmd *cobra.Command, args []string) error {
	if runJobPath == "" {
		return cmd.Help()
	}
	req, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load run request",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid run request", err)
	}
	return executeRun(cmd.Context(), req)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	req, err := pipelineRequest(runDatasets, runPipe, runPipeName, runPipeType)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline run", err)
	}
	return executeRun(cmd.Context(), req)
}

func runTraining(cmd *cobra.Command, args []string) error {
	req, err := trainingRequest(runDatasets, runModelName, runConfig)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid training run", err)
	}
	return executeRun(cmd.Context(), req)
}

func pipelineRequest(datasets []string, pipe, name, typ string) (*manifest.RunRequest, error) {
	if len(datasets) != 1 {
		return nil, fmt.Errorf("a pipeline runs over exactly one dataset, got %d", len(datasets))
	}
	req := &manifest.RunRequest{
		Version:   "1.0",
		Kind:      manifest.KindPipeline,
		DatasetID: datasets[0],
		Pipeline:  &manifest.PipelineConfig{Name: name, Pipe: pipe, Type: typ},
	}
	req.ApplyDefaults()
	if err := manifest.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

func trainingRequest(datasets []string, name, config string) (*manifest.RunRequest, error) {
	req := &manifest.RunRequest{
		Version: "1.0",
		Kind:    manifest.KindTraining,
		Training: &manifest.TrainingConfig{
			DatasetIDs:   datasets,
			PipelineName: name,
			Config:       config,
		},
	}
	if err := manifest.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

func executeRun(ctx context.Context, req *manifest.RunRequest) error {
	if runPublish != "" {
		if _, err := publish.ParseURI(runPublish); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --publish destination", err)
		}
		if req.Publish == nil {
			req.Publish = &manifest.PublishConfig{}
		}
		req.Publish.Destination = runPublish
	}

	if runPlan {
		return printJSON(req)
	}
	if err := requireWritable("run " + string(req.Kind)); err != nil {
		return err
	}

	svc, err := newServices()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot load configuration", err)
	}

	runID := uuid.NewString()
	writer, cleanup, err := createWriter(runOutput, runID, svc.platform.Name())
	if err != nil {
		observability.CLILogger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	follower := output.NewFollower(ctx, writer)
	run, err := svc.dispatcher().Dispatch(ctx, req, follower.Update)
	if err != nil {
		_ = writer.WriteError(ctx, &output.ErrorRecord{
			Code:    errorCodeFor(err),
			Message: err.Error(),
		})
		observability.CLILogger.Error("Run did not start", zap.Error(err))
		return exitError(exitCodeFor(err), "Run did not start", err)
	}

	observability.CLILogger.Debug("Run started",
		zap.String("run_id", runID),
		zap.String("key", run.Job.Key),
		zap.Int("pid", run.Job.PID),
		zap.String("working_dir", run.Job.WorkingDir))

	waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	job, receipt, pubErr := run.Wait(waitCtx)
	if waitCtx.Err() != nil {
		observability.CLILogger.Warn("Stopped following run; the job keeps running",
			zap.String("key", run.Job.Key))
		return exitError(foundry.ExitSignalInt, "Run interrupted", waitCtx.Err())
	}

	for _, werr := range follower.Errors() {
		observability.CLILogger.Warn("Failed to write record", zap.Error(werr))
	}

	if receipt != nil {
		var total int64
		for _, a := range receipt.Artifacts {
			total += a.Bytes
		}
		_ = writer.WritePublish(ctx, &output.PublishRecord{
			Key:         job.Key,
			Source:      job.WorkingDir,
			Destination: run.Destination,
			Bytes:       total,
		})
	}
	if pubErr != nil {
		_ = writer.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodePublish,
			Message: pubErr.Error(),
			Key:     job.Key,
		})
		return exitError(foundry.ExitExternalServiceUnavailable, "Publish failed", pubErr)
	}

	if code := *job.ExitCode; code != 0 {
		_ = writer.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodeJobFailed,
			Message: fmt.Sprintf("job exited with code %d", code),
			Key:     job.Key,
			Details: map[string]any{"log": job.LogPath},
		})
		return exitError(jobExitCode(code), "Job failed", fmt.Errorf("exit code %d", code))
	}
	return nil
}

// errorCodeFor classifies a launch failure for the error record.
func errorCodeFor(err error) string {
	switch {
	case isPrecondition(err):
		return output.ErrCodePrecondition
	case errors.Is(err, dataset.ErrDatasetNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, preflight.ErrWriteDenied):
		return output.ErrCodePublish
	}
	return output.ErrCodeInternal
}

func exitCodeFor(err error) int {
	if isPrecondition(err) || errors.Is(err, dataset.ErrDatasetNotFound) {
		return foundry.ExitFileNotFound
	}
	if errors.Is(err, preflight.ErrWriteDenied) {
		return foundry.ExitExternalServiceUnavailable
	}
	return foundry.ExitInvalidArgument
}

func isPrecondition(err error) bool {
	return errors.Is(err, jobs.ErrSetupScriptMissing) ||
		errors.Is(err, jobs.ErrPipelineMissing) ||
		errors.Is(err, jobs.ErrTrainingConfigMissing) ||
		errors.Is(err, jobs.ErrPrerequisite)
}

// createWriter opens the JSONL destination: stdout when path is empty or
// "-", otherwise a file (an optional file: prefix is stripped).
func createWriter(path, runID, platformName string) (output.Writer, func(), error) {
	if path == "" || path == "-" || path == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, runID, platformName)
		return w, func() { _ = w.Close() }, nil
	}

	path = strings.TrimPrefix(path, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, runID, platformName)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
