package dataset

import (
	"path/filepath"
)

// MetaCurrentVersion is written into every new meta.json.
const MetaCurrentVersion = 1

// DefaultFPS is used when the frame rate of an import is not known.
const DefaultFPS = 5

// Type is the media layout of a dataset.
type Type string

const (
	TypeVideo         Type = "video"
	TypeImageSequence Type = "image-sequence"
)

// Meta is the content of a project's meta.json.
//
// Original* paths are relative to OriginalBasePath; Transcoded* paths are
// relative to the project directory.
type Meta struct {
	Version              int       `json:"version"`
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Type                 Type      `json:"type"`
	FPS                  float64   `json:"fps"`
	CreatedAt            string    `json:"createdAt,omitempty"`
	OriginalBasePath     string    `json:"originalBasePath"`
	OriginalVideoFile    string    `json:"originalVideoFile,omitempty"`
	TranscodedVideoFile  string    `json:"transcodedVideoFile,omitempty"`
	OriginalImageFiles   []string  `json:"originalImageFiles,omitempty"`
	TranscodedImageFiles []string  `json:"transcodedImageFiles,omitempty"`
	TranscodingJobKey    string    `json:"transcodingJobKey,omitempty"`
	MultiCam             *MultiCam `json:"multiCam,omitempty"`
}

// MultiCam describes a dataset recorded by several synchronized cameras.
type MultiCam struct {
	Cameras     map[string]Camera `json:"cameras"`
	Calibration string            `json:"calibration,omitempty"`
	Display     string            `json:"display"`
}

// Camera is one stream of a multi-camera dataset.
type Camera struct {
	BasePath  string   `json:"basePath"`
	Filenames []string `json:"filenames,omitempty"`
	VideoFile string   `json:"videoFile,omitempty"`
}

// VideoPath is the absolute path of the source video.
func (m *Meta) VideoPath() string {
	return filepath.Join(m.OriginalBasePath, m.OriginalVideoFile)
}

// ImagePaths returns the absolute paths of the source images in order.
func (m *Meta) ImagePaths() []string {
	out := make([]string, len(m.OriginalImageFiles))
	for i, f := range m.OriginalImageFiles {
		out[i] = filepath.Join(m.OriginalBasePath, f)
	}
	return out
}

// Filenames returns the per-frame identifiers used in CSV exports.
func (m *Meta) Filenames() []string {
	if m.Type == TypeImageSequence {
		return m.OriginalImageFiles
	}
	return nil
}
