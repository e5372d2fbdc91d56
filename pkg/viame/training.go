package viame

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/platform"
	"github.com/3leaps/viamerun/pkg/viamecsv"
)

// RunTraining requests a detector training run over one or more datasets.
type RunTraining struct {
	DatasetIDs     []string `json:"datasetIds"`
	PipelineName   string   `json:"pipelineName"`
	TrainingConfig string   `json:"trainingConfig"`
}

// RunTraining writes per-dataset ground truth and the input lists into a
// fresh working directory, then starts the trainer.
func (b *Backend) RunTraining(ctx context.Context, req RunTraining, updater jobs.Updater) (*jobs.Job, error) {
	if len(req.DatasetIDs) == 0 {
		return nil, fmt.Errorf("training requires at least one dataset")
	}
	if strings.TrimSpace(req.PipelineName) == "" {
		return nil, fmt.Errorf("training pipeline name is required")
	}
	if strings.TrimSpace(req.TrainingConfig) == "" {
		return nil, fmt.Errorf("%w: no training config named", jobs.ErrTrainingConfigMissing)
	}
	configPath := b.pipelinePath(req.TrainingConfig)
	pre := []jobs.Prerequisite{
		b.setupPrerequisite(),
		{Path: configPath, Err: jobs.ErrTrainingConfigMissing},
	}
	if err := jobs.CheckPrerequisites(pre); err != nil {
		return nil, err
	}

	metas := make([]*dataset.Meta, 0, len(req.DatasetIDs))
	for _, id := range req.DatasetIDs {
		meta, err := b.store.LoadMeta(id)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}

	wd, err := b.store.CreateJobDir(metas, req.PipelineName)
	if err != nil {
		return nil, err
	}
	folderList, truthList, err := b.writeTrainingInputs(wd, metas)
	if err != nil {
		return nil, err
	}

	q := b.platform.Quote
	line := b.activated(
		b.exe(platform.ToolTrainer),
		"--input-list", q(folderList),
		"--input-truth", q(truthList),
		"--config", q(configPath),
		"--no-query",
	)

	b.logger.Info("Starting training",
		zap.Strings("dataset_ids", req.DatasetIDs),
		zap.String("config", req.TrainingConfig),
		zap.String("working_dir", wd))

	return b.launcher.Start(ctx, jobs.Spec{
		Kind:          jobs.KindTraining,
		Title:         dataset.CleanString(req.PipelineName),
		DatasetIDs:    append([]string(nil), req.DatasetIDs...),
		Shell:         b.platform,
		CommandLine:   line,
		WorkingDir:    wd,
		Prerequisites: pre,
	}, updater)
}

// writeTrainingInputs writes groundtruth_<id>.csv per dataset plus the
// folder and truth lists, and returns the two list paths.
func (b *Backend) writeTrainingInputs(wd string, metas []*dataset.Meta) (string, string, error) {
	var folders, truths strings.Builder
	for _, meta := range metas {
		name := fmt.Sprintf("groundtruth_%s.csv", meta.ID)
		if err := b.writeGroundTruth(filepath.Join(wd, name), meta); err != nil {
			return "", "", err
		}
		truths.WriteString(name + "\n")

		switch meta.Type {
		case dataset.TypeVideo:
			video := meta.VideoPath()
			if meta.TranscodedVideoFile != "" {
				video = filepath.Join(b.store.ProjectDir(meta.ID), meta.TranscodedVideoFile)
			}
			folders.WriteString(video + "\n")
		case dataset.TypeImageSequence:
			folders.WriteString(meta.OriginalBasePath + "\n")
		}
	}

	folderList := filepath.Join(wd, InputFolderListFile)
	truthList := filepath.Join(wd, InputTruthListFile)
	if err := os.WriteFile(folderList, []byte(folders.String()), 0o644); err != nil {
		return "", "", fmt.Errorf("write input folder list: %w", err)
	}
	if err := os.WriteFile(truthList, []byte(truths.String()), 0o644); err != nil {
		return "", "", fmt.Errorf("write input truth list: %w", err)
	}
	return folderList, truthList, nil
}

func (b *Backend) writeGroundTruth(path string, meta *dataset.Meta) error {
	tracks, err := b.store.LoadTracks(meta.ID)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create ground truth: %w", err)
	}
	werr := viamecsv.Write(f, tracks, viamecsv.Options{Filenames: meta.Filenames(), Header: true})
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write ground truth for %s: %w", meta.ID, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close ground truth: %w", cerr)
	}
	return nil
}
