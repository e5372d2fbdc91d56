// Package manifest loads run requests: YAML or JSON files describing one
// pipeline or training run, optionally with a destination to publish the
// results to.
//
// Requests are validated against an embedded JSON Schema before they are
// decoded, so unknown fields are rejected rather than silently dropped.
//
// Example (YAML):
//
//	version: "1.0"
//	kind: pipeline
//	datasetId: reef_survey_ab12cd34ef
//	pipeline:
//	  pipe: detector_fish_v2.pipe
//	publish:
//	  destination: s3://survey-results/runs
package manifest

import (
	"fmt"
	"strings"

	"github.com/3leaps/viamerun/pkg/viame"
)

// Kind selects the run type.
type Kind string

const (
	KindPipeline Kind = "pipeline"
	KindTraining Kind = "training"
)

// RunRequest is a validated run request.
type RunRequest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version must be "1.0".
	Version string `json:"version" yaml:"version"`

	Kind Kind `json:"kind" yaml:"kind"`

	// DatasetID is required for pipeline runs.
	DatasetID string `json:"datasetId,omitempty" yaml:"datasetId,omitempty"`

	Pipeline *PipelineConfig `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	Training *TrainingConfig `json:"training,omitempty" yaml:"training,omitempty"`
	Publish  *PublishConfig  `json:"publish,omitempty" yaml:"publish,omitempty"`
}

// PipelineConfig names the .pipe file to run.
type PipelineConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Pipe string `json:"pipe" yaml:"pipe"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// TrainingConfig describes a training run.
type TrainingConfig struct {
	DatasetIDs   []string `json:"datasetIds" yaml:"datasetIds"`
	PipelineName string   `json:"pipelineName" yaml:"pipelineName"`
	Config       string   `json:"config" yaml:"config"`
}

// PublishConfig is where finished job artifacts are copied.
type PublishConfig struct {
	// Destination is an s3:// or file:// URI.
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"forcePathStyle,omitempty" yaml:"forcePathStyle,omitempty"`
}

// ApplyDefaults fills optional fields. A pipeline without a name is named
// after its file, and its type is taken from the file's prefix.
func (r *RunRequest) ApplyDefaults() {
	if r.Pipeline == nil {
		return
	}
	stem := strings.TrimSuffix(r.Pipeline.Pipe, ".pipe")
	if r.Pipeline.Name == "" {
		r.Pipeline.Name = stem
	}
	if r.Pipeline.Type == "" {
		if kind, _, ok := strings.Cut(stem, "_"); ok {
			r.Pipeline.Type = kind
		}
	}
}

// PipelineRun converts a pipeline request for the backend.
func (r *RunRequest) PipelineRun() (viame.RunPipeline, error) {
	if r.Kind != KindPipeline || r.Pipeline == nil {
		return viame.RunPipeline{}, fmt.Errorf("run request is %q, not a pipeline run", r.Kind)
	}
	return viame.RunPipeline{
		DatasetID: r.DatasetID,
		Pipeline: viame.Pipeline{
			Name: r.Pipeline.Name,
			Pipe: r.Pipeline.Pipe,
			Type: r.Pipeline.Type,
		},
	}, nil
}

// TrainingRun converts a training request for the backend.
func (r *RunRequest) TrainingRun() (viame.RunTraining, error) {
	if r.Kind != KindTraining || r.Training == nil {
		return viame.RunTraining{}, fmt.Errorf("run request is %q, not a training run", r.Kind)
	}
	return viame.RunTraining{
		DatasetIDs:     append([]string(nil), r.Training.DatasetIDs...),
		PipelineName:   r.Training.PipelineName,
		TrainingConfig: r.Training.Config,
	}, nil
}

// PublishDestination returns the configured destination, if any.
func (r *RunRequest) PublishDestination() string {
	if r.Publish == nil {
		return ""
	}
	return r.Publish.Destination
}
