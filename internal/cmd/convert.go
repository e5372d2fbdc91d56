package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/observability"
	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/output"
)

var (
	convertDataset string
	convertOutput  string
)

var convertCmd = &cobra.Command{
	Use:   "convert [file...]",
	Short: "Transcode dataset media to web-safe formats",
	Long: `Transcode a dataset's source media with ffmpeg. Without file arguments
every source file of the dataset is converted. Progress is written as
JSON lines, the same way "run" reports.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVar(&convertDataset, "dataset", "", "Dataset id")
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "Write JSONL records to this file instead of stdout")
	_ = convertCmd.MarkFlagRequired("dataset")
}

func runConvert(cmd *cobra.Command, args []string) error {
	if err := requireWritable("convert"); err != nil {
		return err
	}
	svc, err := newServices()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot load configuration", err)
	}
	meta, err := svc.datasets.LoadMeta(convertDataset)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Dataset not found", err)
	}
	sources := conversionSources(meta, args)
	if len(sources) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Nothing to convert", fmt.Errorf("dataset %s has no source media", meta.ID))
	}
	return convertAndFollow(cmd.Context(), svc, meta, sources, convertOutput)
}

// conversionSources returns explicit files when given, otherwise the
// dataset's own source media.
func conversionSources(meta *dataset.Meta, files []string) []string {
	if len(files) > 0 {
		return files
	}
	if meta.Type == dataset.TypeVideo {
		if meta.OriginalVideoFile == "" {
			return nil
		}
		return []string{meta.VideoPath()}
	}
	return meta.ImagePaths()
}

func convertAndFollow(ctx context.Context, svc *services, meta *dataset.Meta, sources []string, dest string) error {
	writer, cleanup, err := createWriter(dest, uuid.NewString(), svc.platform.Name())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	follower := output.NewFollower(ctx, writer)
	items := svc.backend.PlanConversions(meta, sources)
	job, err := svc.backend.ConvertMedia(ctx, meta.ID, items, follower.Update)
	if err != nil {
		_ = writer.WriteError(ctx, &output.ErrorRecord{
			Code:    errorCodeFor(err),
			Message: err.Error(),
		})
		return exitError(exitCodeFor(err), "Conversion did not start", err)
	}
	observability.CLILogger.Debug("Conversion started",
		zap.String("key", job.Key),
		zap.Int("files", len(items)))

	waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-follower.Done():
	case <-waitCtx.Done():
		return exitError(foundry.ExitSignalInt, "Conversion interrupted", waitCtx.Err())
	}

	summary := follower.Summary()
	if summary.ExitCode != 0 {
		_ = writer.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodeJobFailed,
			Message: fmt.Sprintf("conversion exited with code %d", summary.ExitCode),
			Key:     job.Key,
		})
		return exitError(jobExitCode(summary.ExitCode), "Conversion failed", fmt.Errorf("exit code %d", summary.ExitCode))
	}
	return nil
}
