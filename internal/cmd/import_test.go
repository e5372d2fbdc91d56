package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/dataset"
)

func TestMultiCamArgs(t *testing.T) {
	t.Run("cameras", func(t *testing.T) {
		args, err := multiCamArgs([]string{"left=/data/left", "right=/data/right"}, nil, "", "left", "calib.npz")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"left": "/data/left", "right": "/data/right"}, args.FolderList)
		assert.Equal(t, "left", args.DefaultDisplay)
		assert.Equal(t, "calib.npz", args.CalibrationFile)
	})

	t.Run("globs need a keyword folder", func(t *testing.T) {
		_, err := multiCamArgs(nil, []string{"left=*_L.png"}, "", "left", "")
		require.Error(t, err)

		args, err := multiCamArgs(nil, []string{"left=*_L.png", "right=*_R.png"}, "/data/rig", "right", "")
		require.NoError(t, err)
		assert.Equal(t, "*_R.png", args.GlobList["right"])
	})

	t.Run("rejects mixing cameras and globs", func(t *testing.T) {
		_, err := multiCamArgs([]string{"left=/a"}, []string{"left=*.png"}, "/data", "left", "")
		require.Error(t, err)
	})

	t.Run("display must be a camera", func(t *testing.T) {
		_, err := multiCamArgs([]string{"left=/a"}, nil, "", "center", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "center")
	})

	t.Run("requires a source", func(t *testing.T) {
		_, err := multiCamArgs(nil, nil, "", "left", "")
		require.Error(t, err)
	})
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"left=/a=b", " right =/c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"left": "/a=b", "right": "/c"}, got)

	for _, bad := range []string{"left", "=x", "left="} {
		_, err := parsePairs([]string{bad})
		assert.Error(t, err, bad)
	}

	_, err = parsePairs([]string{"left=/a", "left=/b"})
	assert.Error(t, err)
}

func TestConversionSources(t *testing.T) {
	video := &dataset.Meta{Type: dataset.TypeVideo, OriginalBasePath: "/data", OriginalVideoFile: "clip.avi"}
	assert.Equal(t, []string{"/data/clip.avi"}, conversionSources(video, nil))
	assert.Equal(t, []string{"/x.mov"}, conversionSources(video, []string{"/x.mov"}))

	empty := &dataset.Meta{Type: dataset.TypeVideo}
	assert.Empty(t, conversionSources(empty, nil))

	images := &dataset.Meta{
		Type:               dataset.TypeImageSequence,
		OriginalBasePath:   "/data/imgs",
		OriginalImageFiles: []string{"a.tif", "b.tif"},
	}
	assert.Equal(t, []string{"/data/imgs/a.tif", "/data/imgs/b.tif"}, conversionSources(images, nil))
}
