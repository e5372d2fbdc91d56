package viame

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/platform"
)

// Conversion transcodes one source file to Dest.
type Conversion struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// PlanConversions maps sources to destinations inside the dataset's
// project directory: videos become <name>.transcoded.mp4, images <name>.png.
func (b *Backend) PlanConversions(meta *dataset.Meta, sources []string) []Conversion {
	project := b.store.ProjectDir(meta.ID)
	out := make([]Conversion, 0, len(sources))
	for _, src := range sources {
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		ext := ".png"
		if meta.Type == dataset.TypeVideo {
			ext = ".transcoded.mp4"
		}
		out = append(out, Conversion{Source: src, Dest: filepath.Join(project, base+ext)})
	}
	return out
}

// ConvertMedia transcodes media for a dataset. A video is one ffmpeg run;
// images are converted one process at a time, stopping at the first
// failure. When every step succeeds the dataset records its transcoded files.
func (b *Backend) ConvertMedia(ctx context.Context, datasetID string, items []Conversion, updater jobs.Updater) (*jobs.Job, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("nothing to convert")
	}
	meta, err := b.store.LoadMeta(datasetID)
	if err != nil {
		return nil, err
	}
	if meta.Type == dataset.TypeVideo && len(items) > 1 {
		return nil, fmt.Errorf("video datasets convert a single file, got %d", len(items))
	}

	wd, err := b.store.CreateJobDir([]*dataset.Meta{meta}, "conversion")
	if err != nil {
		return nil, err
	}

	pre := []jobs.Prerequisite{b.setupPrerequisite()}
	q := b.platform.Quote
	steps := make([]jobs.Spec, 0, len(items))
	dests := make([]string, 0, len(items))
	for _, it := range items {
		parts := []string{b.exe(platform.ToolFFmpeg), "-i", q(it.Source)}
		if meta.Type == dataset.TypeVideo {
			parts = append(parts, b.platform.VideoTranscodeArgs()...)
		}
		parts = append(parts, q(it.Dest))
		steps = append(steps, jobs.Spec{
			Kind:          jobs.KindConversion,
			Title:         "conversion " + meta.Name,
			DatasetIDs:    []string{datasetID},
			KeyPrefix:     "convert",
			KeySuffix:     meta.OriginalBasePath,
			Shell:         b.platform,
			CommandLine:   b.activated(parts...),
			WorkingDir:    wd,
			Prerequisites: pre,
		})
		dests = append(dests, it.Dest)
	}

	chain := &jobs.Chain{
		Launcher: b.launcher,
		Logger:   b.logger,
		OnComplete: func(ctx context.Context, job jobs.Job) error {
			b.metaMu.Lock()
			defer b.metaMu.Unlock()
			return b.store.CompleteConversion(datasetID, job.Key, dests)
		},
		OnFailure: func(ctx context.Context, job jobs.Job) error {
			b.metaMu.Lock()
			defer b.metaMu.Unlock()
			return b.store.AbandonConversion(datasetID, job.Key)
		},
	}

	b.metaMu.Lock()
	defer b.metaMu.Unlock()

	job, err := chain.Start(ctx, steps, updater)
	if err != nil {
		return nil, err
	}

	// OnComplete and OnFailure block on metaMu, so the key is recorded
	// before either can clear it.
	current, err := b.store.LoadMeta(datasetID)
	if err != nil {
		b.logger.Warn("Could not record transcoding job", zap.String("dataset_id", datasetID), zap.Error(err))
		return job, nil
	}
	current.TranscodingJobKey = job.Key
	if err := b.store.SaveMeta(current); err != nil {
		b.logger.Warn("Could not record transcoding job", zap.String("dataset_id", datasetID), zap.Error(err))
	}
	return job, nil
}
