package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/provider"
)

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	assert.Error(t, err)
}

func TestPutAndHead(t *testing.T) {
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	body := "1,a.png,0,1,2,3,4,1.0,-1,fish,1.0\n"
	require.NoError(t, p.PutObject(ctx, "runs/job1/track_output.csv", strings.NewReader(body), int64(len(body))))

	data, err := os.ReadFile(filepath.Join(base, "runs", "job1", "track_output.csv"))
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	meta, err := p.Head(ctx, "/runs/job1/track_output.csv")
	require.NoError(t, err)
	assert.Equal(t, "runs/job1/track_output.csv", meta.Key)
	assert.Equal(t, int64(len(body)), meta.Size)

	entries, err := os.ReadDir(filepath.Join(base, "runs", "job1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestPutObject_LengthMismatch(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = p.PutObject(context.Background(), "a.txt", strings.NewReader("abc"), 10)
	require.Error(t, err)
	_, err = p.Head(context.Background(), "a.txt")
	assert.True(t, provider.IsNotFound(err))
}

func TestHead_NotFound(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "dir"), 0o755))
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	_, err = p.Head(context.Background(), "missing.csv")
	assert.True(t, provider.IsNotFound(err))
	_, err = p.Head(context.Background(), "dir")
	assert.True(t, provider.IsNotFound(err))
}

func TestFullPath_RejectsTraversal(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, key := range []string{"", "/", ".."} {
		_, err := p.fullPath(key)
		assert.Error(t, err, key)
	}
	full, err := p.fullPath("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, p.baseDir))
}

func TestDeleteObject(t *testing.T) {
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.PutObject(ctx, "probe.txt", strings.NewReader("x"), 1))
	require.NoError(t, p.DeleteObject(ctx, "probe.txt"))
	assert.NoFileExists(t, filepath.Join(base, "probe.txt"))

	assert.NoError(t, p.DeleteObject(ctx, "probe.txt"))
	_, err = p.Head(ctx, "probe.txt")
	assert.True(t, provider.IsNotFound(err))
}
