package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/platform"
)

func linuxPlatform() platform.Platform { return platform.Linux{} }

func touch(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
}

func TestClassifyMedia(t *testing.T) {
	assert.Equal(t, MediaWebsafeVideo, ClassifyMedia("a.MP4"))
	assert.Equal(t, MediaVideo, ClassifyMedia("/x/a.avi"))
	assert.Equal(t, MediaWebsafeImage, ClassifyMedia("frame.jpeg"))
	assert.Equal(t, MediaImage, ClassifyMedia("frame.tif"))
	assert.Equal(t, MediaUnknown, ClassifyMedia("notes.txt"))
	assert.Equal(t, "websafe-video", MediaWebsafeVideo.String())
}

func TestFindImages(t *testing.T) {
	dir := t.TempDir()
	touch(t,
		filepath.Join(dir, "b_left.png"),
		filepath.Join(dir, "a_left.tif"),
		filepath.Join(dir, "a_right.png"),
		filepath.Join(dir, "readme.txt"),
		filepath.Join(dir, "sub", "c_left.png"),
	)

	all, err := FindImages(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_left.tif", "a_right.png", "b_left.png"}, all.Images)
	assert.Equal(t, []string{filepath.Join(dir, "a_left.tif")}, all.ConvertList)

	left, err := FindImages(dir, "*_left.*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_left.tif", "b_left.png"}, left.Images)

	_, err = FindImages(dir, "[")
	assert.Error(t, err)
}

func TestCleanStringAndID(t *testing.T) {
	assert.Equal(t, "my_dataset_1-a", CleanString(" my dataset/1-a "))
	assert.Equal(t, "caf_", CleanString("café"))

	id := NewDatasetID("a very long dataset name indeed")
	assert.Len(t, id, 20+1+10)
	assert.Equal(t, "a_very_long_dataset_", id[:20])
	assert.NotEqual(t, id, NewDatasetID("a very long dataset name indeed"))
}

func TestBeginMultiCamImport_ImageFolders(t *testing.T) {
	root := t.TempDir()
	left := filepath.Join(root, "survey", "left")
	right := filepath.Join(root, "survey", "right")
	touch(t, filepath.Join(left, "1.png"), filepath.Join(left, "2.png"), filepath.Join(right, "1.tif"))

	payload, err := BeginMultiCamImport(MultiCamArgs{
		FolderList:      map[string]string{"left": left, "right": right},
		DefaultDisplay:  "left",
		CalibrationFile: "/calib.npz",
	}, nil)
	require.NoError(t, err)

	m := payload.Meta
	assert.Equal(t, TypeImageSequence, m.Type)
	assert.Equal(t, "survey", m.Name)
	assert.Equal(t, left, m.OriginalBasePath)
	require.NotNil(t, m.MultiCam)
	assert.Equal(t, "left", m.MultiCam.Display)
	assert.Equal(t, "/calib.npz", m.MultiCam.Calibration)
	assert.Equal(t, []string{"1.png", "2.png"}, m.MultiCam.Cameras["left"].Filenames)
	assert.Equal(t, []string{filepath.Join(right, "1.tif")}, payload.MediaConvertList)
}

func TestBeginMultiCamImport_EmptyFolder(t *testing.T) {
	root := t.TempDir()
	left := filepath.Join(root, "s", "left")
	require.NoError(t, os.MkdirAll(left, 0o755))
	_, err := BeginMultiCamImport(MultiCamArgs{FolderList: map[string]string{"left": left}, DefaultDisplay: "left"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images found")
}

func TestBeginMultiCamImport_Keywords(t *testing.T) {
	root := t.TempDir()
	folder := filepath.Join(root, "pier", "frames")
	touch(t, filepath.Join(folder, "a_left.png"), filepath.Join(folder, "a_right.png"))

	payload, err := BeginMultiCamImport(MultiCamArgs{
		GlobList:       map[string]string{"left": "*_left.png", "right": "*_right.png"},
		KeywordFolder:  folder,
		DefaultDisplay: "left",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_right.png"}, payload.Meta.MultiCam.Cameras["right"].Filenames)
	assert.Equal(t, folder, payload.Meta.MultiCam.Cameras["right"].BasePath)
}

func TestBeginMultiCamImport_Videos(t *testing.T) {
	root := t.TempDir()
	left := filepath.Join(root, "trip", "left.mp4")
	right := filepath.Join(root, "trip", "right.avi")
	touch(t, left, right)

	checked := []string{}
	payload, err := BeginMultiCamImport(MultiCamArgs{
		FolderList:     map[string]string{"left": left, "right": right},
		DefaultDisplay: "left",
	}, func(p string) (bool, error) {
		checked = append(checked, p)
		return false, nil
	})
	require.NoError(t, err)

	m := payload.Meta
	assert.Equal(t, TypeVideo, m.Type)
	assert.Equal(t, filepath.Join(root, "trip"), m.OriginalBasePath)
	assert.Equal(t, "left.mp4", m.OriginalVideoFile)
	assert.Equal(t, filepath.Join(root, "trip"), m.MultiCam.Cameras["left"].BasePath)
	assert.Equal(t, "right.avi", m.MultiCam.Cameras["right"].VideoFile)
	assert.Equal(t, []string{left}, checked)
	assert.ElementsMatch(t, []string{left, right}, payload.MediaConvertList)
}

func TestBeginMultiCamImport_Errors(t *testing.T) {
	root := t.TempDir()
	video := filepath.Join(root, "trip", "left.mp4")
	touch(t, video)

	_, err := BeginMultiCamImport(MultiCamArgs{
		FolderList:     map[string]string{"left": filepath.Join(root, "missing")},
		DefaultDisplay: "left",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file or directory for left not found")

	_, err = BeginMultiCamImport(MultiCamArgs{
		FolderList:     map[string]string{"left": video},
		DefaultDisplay: "right",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no main folder defined")

	_, err = BeginMultiCamImport(MultiCamArgs{
		GlobList:       map[string]string{"left": "*.mp4"},
		KeywordFolder:  video,
		DefaultDisplay: "left",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "glob pattern matching is not supported for multi-cam videos")

	_, err = BeginMultiCamImport(MultiCamArgs{
		FolderList:     map[string]string{"left": video},
		DefaultDisplay: "left",
	}, func(string) (bool, error) { return false, errors.New("ffprobe failed") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffprobe failed")

	img := filepath.Join(root, "trip", "still.png")
	touch(t, img)
	_, err = BeginMultiCamImport(MultiCamArgs{
		FolderList:     map[string]string{"left": img},
		DefaultDisplay: "left",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image file chosen for video import")
}
