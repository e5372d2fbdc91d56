// Package dataset manages the on-disk project layout of annotation datasets:
// metadata, annotations, job working directories and media imports.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/track"
	"github.com/3leaps/viamerun/pkg/viamecsv"
)

const (
	ProjectsDirName  = "DIVE_Projects"
	JobsDirName      = "DIVE_Jobs"
	MetaFileName     = "meta.json"
	TracksFileName   = "result.json"
	AuxiliaryDirName = "auxiliary"
)

const jobDirTimeFormat = "20060102_150405.000"

const maxJobDirNameLen = 64

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrNoAnnotations   = errors.New("no importable annotation file")
)

// Store reads and writes projects under Settings.DataPath.
type Store struct {
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewStore(settings Settings, opts ...StoreOption) *Store {
	s := &Store{
		settings: settings,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settings returns the settings the store was built with.
func (s *Store) Settings() Settings { return s.settings }

// ProjectDir is the directory holding one dataset's metadata and annotations.
func (s *Store) ProjectDir(datasetID string) string {
	return filepath.Join(s.settings.DataPath, ProjectsDirName, datasetID)
}

func (s *Store) metaPath(datasetID string) string {
	return filepath.Join(s.ProjectDir(datasetID), MetaFileName)
}

func (s *Store) tracksPath(datasetID string) string {
	return filepath.Join(s.ProjectDir(datasetID), TracksFileName)
}

// JobsDir is the parent of all job working directories.
func (s *Store) JobsDir() string {
	return filepath.Join(s.settings.DataPath, JobsDirName)
}

// LoadMeta reads and validates a dataset's meta.json.
func (s *Store) LoadMeta(datasetID string) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(datasetID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, datasetID)
		}
		return nil, fmt.Errorf("read dataset metadata: %w", err)
	}
	if err := ValidateMeta(data); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode dataset metadata: %w", err)
	}
	return &meta, nil
}

// SaveMeta validates and atomically writes meta.json.
func (s *Store) SaveMeta(meta *Meta) error {
	if meta == nil || meta.ID == "" {
		return errors.New("dataset metadata requires an id")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dataset metadata: %w", err)
	}
	if err := ValidateMeta(data); err != nil {
		return err
	}
	return writeFileAtomic(s.metaPath(meta.ID), data)
}

// LoadTracks reads a dataset's annotations. A project with no annotation
// file yet has no tracks.
func (s *Store) LoadTracks(datasetID string) (track.Tracks, error) {
	data, err := os.ReadFile(s.tracksPath(datasetID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return track.Tracks{}, nil
		}
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	tracks := track.Tracks{}
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("decode annotations: %w", err)
	}
	return tracks, nil
}

// SaveTracks atomically replaces a dataset's annotations.
func (s *Store) SaveTracks(datasetID string, tracks track.Tracks) error {
	data, err := json.Marshal(tracks)
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	return writeFileAtomic(s.tracksPath(datasetID), data)
}

// CreateDataset writes a new project for meta and returns its id. An id is
// generated from the name when meta has none.
func (s *Store) CreateDataset(meta *Meta) (string, error) {
	if meta.ID == "" {
		meta.ID = NewDatasetID(meta.Name)
	}
	if meta.Version == 0 {
		meta.Version = MetaCurrentVersion
	}
	if meta.FPS == 0 {
		meta.FPS = DefaultFPS
	}
	if meta.CreatedAt == "" {
		meta.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(s.ProjectDir(meta.ID), 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	if err := s.SaveMeta(meta); err != nil {
		return "", err
	}
	if _, err := os.Stat(s.tracksPath(meta.ID)); errors.Is(err, os.ErrNotExist) {
		if err := s.SaveTracks(meta.ID, track.Tracks{}); err != nil {
			return "", err
		}
	}
	return meta.ID, nil
}

// CreateJobDir makes a fresh working directory named after the datasets and
// the pipeline: DIVE_Jobs/<names>_<pipeline>_<timestamp>.
func (s *Store) CreateJobDir(metas []*Meta, pipelineName string) (string, error) {
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, CleanString(m.Name))
	}
	prefix := strings.Join(names, "_")
	if len(prefix) > maxJobDirNameLen {
		prefix = prefix[:maxJobDirNameLen]
	}
	name := fmt.Sprintf("%s_%s_%s", prefix, CleanString(pipelineName), s.now().Format(jobDirTimeFormat))
	dir := filepath.Join(s.JobsDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// ImportAnnotationFiles replaces the dataset's annotations with the first
// candidate that exists and parses as VIAME CSV. The previous annotations
// are kept under auxiliary/. It returns the imported path.
func (s *Store) ImportAnnotationFiles(datasetID string, candidates []string) (string, error) {
	if _, err := s.LoadMeta(datasetID); err != nil {
		return "", err
	}
	for _, path := range candidates {
		tracks, err := parseCSVFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("Skipping annotation file",
					zap.String("path", path),
					zap.Error(err))
			}
			continue
		}
		if err := s.backupTracks(datasetID); err != nil {
			return "", err
		}
		if err := s.SaveTracks(datasetID, tracks); err != nil {
			return "", err
		}
		s.logger.Info("Imported annotations",
			zap.String("dataset_id", datasetID),
			zap.String("path", path),
			zap.Int("tracks", len(tracks)))
		return path, nil
	}
	return "", fmt.Errorf("%w for dataset %s", ErrNoAnnotations, datasetID)
}

func parseCSVFile(path string) (track.Tracks, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return viamecsv.Parse(f)
}

func (s *Store) backupTracks(datasetID string) error {
	src := s.tracksPath(datasetID)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	aux := filepath.Join(s.ProjectDir(datasetID), AuxiliaryDirName)
	if err := os.MkdirAll(aux, 0o755); err != nil {
		return fmt.Errorf("create auxiliary dir: %w", err)
	}
	dst := filepath.Join(aux, fmt.Sprintf("result_%s.json", s.now().Format(jobDirTimeFormat)))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("back up annotations: %w", err)
	}
	return nil
}

// AbandonConversion clears the pending transcoding key after a failed
// conversion so the dataset can be converted again. Media lists are left
// as they were.
func (s *Store) AbandonConversion(datasetID, jobKey string) error {
	meta, err := s.LoadMeta(datasetID)
	if err != nil {
		return err
	}
	if meta.TranscodingJobKey != jobKey {
		return nil
	}
	meta.TranscodingJobKey = ""
	return s.SaveMeta(meta)
}

// CompleteConversion records transcoded outputs and clears the pending
// transcoding key when it matches jobKey. outputs are absolute paths inside
// the project directory.
func (s *Store) CompleteConversion(datasetID, jobKey string, outputs []string) error {
	meta, err := s.LoadMeta(datasetID)
	if err != nil {
		return err
	}
	if meta.TranscodingJobKey != "" && meta.TranscodingJobKey != jobKey {
		s.logger.Warn("Conversion key does not match dataset",
			zap.String("dataset_id", datasetID),
			zap.String("job_key", jobKey),
			zap.String("pending_key", meta.TranscodingJobKey))
		return nil
	}
	meta.TranscodingJobKey = ""

	project := s.ProjectDir(datasetID)
	rel := make([]string, 0, len(outputs))
	for _, out := range outputs {
		r, err := filepath.Rel(project, out)
		if err != nil || strings.HasPrefix(r, "..") {
			r = filepath.Base(out)
		}
		rel = append(rel, r)
	}
	switch meta.Type {
	case TypeVideo:
		if len(rel) > 0 {
			meta.TranscodedVideoFile = rel[0]
		}
	case TypeImageSequence:
		if len(rel) > 0 {
			meta.TranscodedImageFiles = rel
		}
	}
	return s.SaveMeta(meta)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
