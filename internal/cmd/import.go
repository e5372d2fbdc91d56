package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/observability"
	"github.com/3leaps/viamerun/pkg/dataset"
)

var (
	importCameras       []string
	importGlobs         []string
	importKeywordFolder string
	importDisplay       string
	importCalibration   string
	importName          string
	importConvert       bool
	importOutput        string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import media into the dataset store",
}

var importMultiCamCmd = &cobra.Command{
	Use:   "multicam",
	Short: "Import a multi-camera dataset",
	Long: `Import a multi-camera dataset, either one folder or video per camera
(--camera) or one folder split by per-camera glob patterns (--glob with
--keyword-folder). The display camera decides whether the dataset is a
video or an image sequence.

Examples:
  viamerun import multicam --camera left=/data/left --camera right=/data/right --display left
  viamerun import multicam --keyword-folder /data/rig --glob left=*_L.png --glob right=*_R.png --display left
  viamerun import multicam --camera left=/data/left.avi --camera right=/data/right.avi --display left --convert`,
	RunE: runImportMultiCam,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importMultiCamCmd)

	f := importMultiCamCmd.Flags()
	f.StringArrayVar(&importCameras, "camera", nil, "Camera source as name=path (repeatable)")
	f.StringArrayVar(&importGlobs, "glob", nil, "Camera glob as name=pattern (repeatable, needs --keyword-folder)")
	f.StringVar(&importKeywordFolder, "keyword-folder", "", "Folder holding every camera's images")
	f.StringVar(&importDisplay, "display", "", "Camera shown by default")
	f.StringVar(&importCalibration, "calibration", "", "Stereo calibration file")
	f.StringVar(&importName, "name", "", "Dataset name (default: parent folder of the display camera)")
	f.BoolVar(&importConvert, "convert", false, "Transcode media that is not web-safe after import")
	f.StringVarP(&importOutput, "output", "o", "", "Write conversion JSONL records to this file instead of stdout")
	_ = importMultiCamCmd.MarkFlagRequired("display")
}

func runImportMultiCam(cmd *cobra.Command, args []string) error {
	if err := requireWritable("import"); err != nil {
		return err
	}
	multi, err := multiCamArgs(importCameras, importGlobs, importKeywordFolder, importDisplay, importCalibration)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid import", err)
	}

	svc, err := newServices()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot load configuration", err)
	}
	ctx := cmd.Context()

	payload, err := dataset.BeginMultiCamImport(multi, websafeChecker(ctx, svc))
	if err != nil {
		observability.CLILogger.Error("Import failed", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Import failed", err)
	}

	meta := payload.Meta
	if importName != "" {
		meta.Name = importName
		meta.ID = ""
	}
	id, err := svc.datasets.CreateDataset(&meta)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create dataset", err)
	}
	observability.CLILogger.Info("Dataset created",
		zap.String("id", id),
		zap.String("type", string(meta.Type)),
		zap.Int("cameras", len(meta.MultiCam.Cameras)),
		zap.Int("needs_conversion", len(payload.MediaConvertList)))

	if !importConvert || len(payload.MediaConvertList) == 0 {
		return printJSON(payload)
	}

	// Video datasets convert one file per job.
	if meta.Type == dataset.TypeVideo {
		for _, src := range payload.MediaConvertList {
			if err := convertAndFollow(ctx, svc, &meta, []string{src}, importOutput); err != nil {
				return err
			}
		}
		return nil
	}
	return convertAndFollow(ctx, svc, &meta, payload.MediaConvertList, importOutput)
}

// multiCamArgs builds import arguments from name=value flag pairs.
func multiCamArgs(cameras, globs []string, keywordFolder, display, calibration string) (dataset.MultiCamArgs, error) {
	args := dataset.MultiCamArgs{
		KeywordFolder:   keywordFolder,
		DefaultDisplay:  display,
		CalibrationFile: calibration,
	}
	switch {
	case len(cameras) > 0 && len(globs) > 0:
		return args, fmt.Errorf("--camera and --glob are mutually exclusive")
	case len(cameras) > 0:
		m, err := parsePairs(cameras)
		if err != nil {
			return args, err
		}
		args.FolderList = m
	case len(globs) > 0:
		if keywordFolder == "" {
			return args, fmt.Errorf("--glob requires --keyword-folder")
		}
		m, err := parsePairs(globs)
		if err != nil {
			return args, err
		}
		args.GlobList = m
	default:
		return args, fmt.Errorf("at least one --camera or --glob is required")
	}

	known := args.FolderList
	if known == nil {
		known = args.GlobList
	}
	if _, ok := known[display]; !ok {
		return args, fmt.Errorf("display camera %q is not one of the imported cameras", display)
	}
	return args, nil
}

func parsePairs(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("expected name=value, got %q", v)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("camera %q given twice", name)
		}
		out[name] = value
	}
	return out, nil
}

// websafeChecker probes videos with ffprobe when the VIAME install is
// usable and otherwise trusts the file extension.
func websafeChecker(ctx context.Context, svc *services) dataset.MediaChecker {
	if err := svc.backend.ValidateInstall(ctx); err != nil {
		observability.CLILogger.Debug("Skipping ffprobe checks", zap.Error(err))
		return nil
	}
	return func(path string) (bool, error) {
		info, err := svc.backend.CheckMedia(ctx, path)
		if err != nil {
			return false, err
		}
		return info.Websafe, nil
	}
}
