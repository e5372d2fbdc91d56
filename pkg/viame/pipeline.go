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
)

// Pipeline names a .pipe file under configs/pipelines.
type Pipeline struct {
	Name string `json:"name"`
	Pipe string `json:"pipe"`
	Type string `json:"type"`
}

// RunPipeline requests a pipeline run over one dataset.
type RunPipeline struct {
	DatasetID string   `json:"datasetId"`
	Pipeline  Pipeline `json:"pipeline"`
}

func (b *Backend) pipelinePath(file string) string {
	return b.platform.Join(b.viamePath(), "configs", "pipelines", file)
}

// RunPipeline starts kwiver over the dataset's media. On a zero exit the
// track output, or failing that the detector output, replaces the dataset's
// annotations.
func (b *Backend) RunPipeline(ctx context.Context, req RunPipeline, updater jobs.Updater) (*jobs.Job, error) {
	if req.Pipeline.Pipe == "" {
		return nil, fmt.Errorf("pipeline file is required")
	}
	pipePath := b.pipelinePath(req.Pipeline.Pipe)
	pre := []jobs.Prerequisite{
		b.setupPrerequisite(),
		{Path: pipePath, Err: jobs.ErrPipelineMissing},
	}
	if err := jobs.CheckPrerequisites(pre); err != nil {
		return nil, err
	}

	meta, err := b.store.LoadMeta(req.DatasetID)
	if err != nil {
		return nil, err
	}
	name := req.Pipeline.Name
	if name == "" {
		name = strings.TrimSuffix(req.Pipeline.Pipe, ".pipe")
	}
	wd, err := b.store.CreateJobDir([]*dataset.Meta{meta}, name)
	if err != nil {
		return nil, err
	}

	line, err := b.pipelineCommand(meta, pipePath, wd)
	if err != nil {
		return nil, err
	}
	trackOut := filepath.Join(wd, TrackOutputFile)
	detectorOut := filepath.Join(wd, DetectorOutputFile)
	datasetID := req.DatasetID

	b.logger.Info("Starting pipeline",
		zap.String("dataset_id", datasetID),
		zap.String("pipe", req.Pipeline.Pipe),
		zap.String("working_dir", wd))

	return b.launcher.Start(ctx, jobs.Spec{
		Kind:          jobs.KindPipeline,
		Title:         name,
		DatasetIDs:    []string{datasetID},
		Shell:         b.platform,
		CommandLine:   line,
		WorkingDir:    wd,
		Prerequisites: pre,
		OnSuccess: func(ctx context.Context, job jobs.Job) error {
			_, err := b.store.ImportAnnotationFiles(datasetID, []string{trackOut, detectorOut})
			return err
		},
	}, updater)
}

// pipelineCommand builds the kwiver invocation. Image sequences are fed
// through a manifest of absolute image paths written into wd.
func (b *Backend) pipelineCommand(meta *dataset.Meta, pipePath, wd string) (string, error) {
	q := b.platform.Quote
	parts := []string{b.exe(platform.ToolKwiver), "runner"}

	var input string
	switch meta.Type {
	case dataset.TypeVideo:
		parts = append(parts, "-s", "input:video_reader:type=vidl_ffmpeg")
		input = meta.VideoPath()
	case dataset.TypeImageSequence:
		input = filepath.Join(wd, ImageManifestFile)
		data := strings.Join(meta.ImagePaths(), "\n")
		if err := os.WriteFile(input, []byte(data), 0o644); err != nil {
			return "", fmt.Errorf("write image manifest: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported dataset type %q", meta.Type)
	}

	parts = append(parts,
		"-p", q(pipePath),
		"-s", "input:video_filename="+q(input),
		"-s", "detector_writer:file_name="+q(filepath.Join(wd, DetectorOutputFile)),
		"-s", "track_writer:file_name="+q(filepath.Join(wd, TrackOutputFile)),
	)
	return b.activated(parts...), nil
}
