package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/track"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(Settings{Version: 1, ViamePath: "/opt/noaa/viame", DataPath: t.TempDir()})
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return s
}

func createVideoDataset(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.CreateDataset(&Meta{
		Name:              "reef survey",
		Type:              TypeVideo,
		OriginalBasePath:  "/media/reef",
		OriginalVideoFile: "dive1.avi",
	})
	require.NoError(t, err)
	return id
}

func TestStore_CreateAndLoadMeta(t *testing.T) {
	s := newTestStore(t)
	id := createVideoDataset(t, s)
	assert.True(t, strings.HasPrefix(id, "reef_survey_"))

	meta, err := s.LoadMeta(id)
	require.NoError(t, err)
	assert.Equal(t, MetaCurrentVersion, meta.Version)
	assert.Equal(t, TypeVideo, meta.Type)
	assert.Equal(t, float64(DefaultFPS), meta.FPS)
	assert.Equal(t, "2026-03-04T05:06:07Z", meta.CreatedAt)
	assert.Equal(t, filepath.Join("/media/reef", "dive1.avi"), meta.VideoPath())

	tracks, err := s.LoadTracks(id)
	require.NoError(t, err)
	assert.Empty(t, tracks)
}

func TestStore_LoadMetaNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadMeta("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestStore_LoadMetaRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	dir := s.ProjectDir("bad")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFileName),
		[]byte(`{"version":1,"id":"bad","name":"bad","type":"audio","fps":5,"originalBasePath":"/x"}`), 0o644))

	_, err := s.LoadMeta("bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMeta)
}

func TestStore_SaveMetaRequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveMeta(&Meta{Name: "x"}))
}

func TestStore_ImportAnnotationFiles(t *testing.T) {
	s := newTestStore(t)
	id := createVideoDataset(t, s)
	require.NoError(t, s.SaveTracks(id, track.Tracks{9: track.New(9, 0)}))

	wd := t.TempDir()
	trackOut := filepath.Join(wd, "track_output.csv")
	detOut := filepath.Join(wd, "detector_output.csv")
	require.NoError(t, os.WriteFile(detOut, []byte("1,,0,1,2,3,4,0.5,-1,fish,0.5\n"), 0o644))

	got, err := s.ImportAnnotationFiles(id, []string{trackOut, detOut})
	require.NoError(t, err)
	assert.Equal(t, detOut, got)

	tracks, err := s.LoadTracks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, tracks.IDs())

	aux, err := os.ReadDir(filepath.Join(s.ProjectDir(id), AuxiliaryDirName))
	require.NoError(t, err)
	require.Len(t, aux, 1)
	assert.True(t, strings.HasPrefix(aux[0].Name(), "result_"))
}

func TestStore_ImportAnnotationFilesSkipsUnparseable(t *testing.T) {
	s := newTestStore(t)
	id := createVideoDataset(t, s)

	wd := t.TempDir()
	bad := filepath.Join(wd, "track_output.csv")
	good := filepath.Join(wd, "detector_output.csv")
	require.NoError(t, os.WriteFile(bad, []byte("not,a,track\n"), 0o644))
	require.NoError(t, os.WriteFile(good, []byte("# header\n2,,3,1,1,5,5,0.9,-1,crab,0.9\n"), 0o644))

	got, err := s.ImportAnnotationFiles(id, []string{bad, good})
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestStore_ImportAnnotationFilesNone(t *testing.T) {
	s := newTestStore(t)
	id := createVideoDataset(t, s)
	_, err := s.ImportAnnotationFiles(id, []string{filepath.Join(t.TempDir(), "nope.csv")})
	assert.ErrorIs(t, err, ErrNoAnnotations)
}

func TestStore_CompleteConversion(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateDataset(&Meta{
		Name:               "frames",
		Type:               TypeImageSequence,
		OriginalBasePath:   "/media/frames",
		OriginalImageFiles: []string{"a.tif", "b.tif"},
		TranscodingJobKey:  "convert_1_/media/frames",
	})
	require.NoError(t, err)

	project := s.ProjectDir(id)
	outputs := []string{filepath.Join(project, "a.png"), filepath.Join(project, "b.png")}

	// a different key leaves the dataset alone
	require.NoError(t, s.CompleteConversion(id, "convert_2_other", outputs))
	meta, err := s.LoadMeta(id)
	require.NoError(t, err)
	assert.Equal(t, "convert_1_/media/frames", meta.TranscodingJobKey)

	require.NoError(t, s.CompleteConversion(id, "convert_1_/media/frames", outputs))
	meta, err = s.LoadMeta(id)
	require.NoError(t, err)
	assert.Empty(t, meta.TranscodingJobKey)
	assert.Equal(t, []string{"a.png", "b.png"}, meta.TranscodedImageFiles)
}

func TestStore_AbandonConversion(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateDataset(&Meta{
		Name:               "frames",
		Type:               TypeImageSequence,
		OriginalBasePath:   "/media/frames",
		OriginalImageFiles: []string{"a.tif"},
		TranscodingJobKey:  "convert_1_/media/frames",
	})
	require.NoError(t, err)

	require.NoError(t, s.AbandonConversion(id, "convert_2_other"))
	meta, err := s.LoadMeta(id)
	require.NoError(t, err)
	assert.Equal(t, "convert_1_/media/frames", meta.TranscodingJobKey)

	require.NoError(t, s.AbandonConversion(id, "convert_1_/media/frames"))
	meta, err = s.LoadMeta(id)
	require.NoError(t, err)
	assert.Empty(t, meta.TranscodingJobKey)
	assert.Empty(t, meta.TranscodedImageFiles)
}

func TestStore_CreateJobDir(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.CreateJobDir([]*Meta{{Name: "reef survey"}, {Name: "pier"}}, "detector default")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.JobsDir(), "reef_survey_pier_detector_default_20260304_050607.000"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDefaultSettings(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	got := DefaultSettings(linuxPlatform())
	assert.Equal(t, "/opt/noaa/viame", got.ViamePath)
	assert.Equal(t, filepath.Join("/home/tester", "VIAME_DATA"), got.DataPath)
}
