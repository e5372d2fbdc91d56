//go:build cloudintegration

package s3_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/provider"
	"github.com/3leaps/viamerun/test/cloudtest"
)

func TestProvider_PutAndHead(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	p := cloudtest.NewProvider(t, ctx, bucket)

	body := "1,,0,1,2,3,4,1.0,-1,fish,1.0\n"
	require.NoError(t, p.PutObject(ctx, "runs/a/track_output.csv", strings.NewReader(body), int64(len(body))))

	meta, err := p.Head(ctx, "runs/a/track_output.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), meta.Size)
	assert.Equal(t, "text/csv", meta.ContentType)
	assert.Equal(t, body, string(cloudtest.GetObject(t, ctx, bucket, "runs/a/track_output.csv")))
}

func TestProvider_HeadMissing(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	p := cloudtest.NewProvider(t, ctx, bucket)

	_, err := p.Head(ctx, "missing.csv")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_DeleteObject(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	p := cloudtest.NewProvider(t, ctx, bucket)

	require.NoError(t, p.PutObject(ctx, "probe", strings.NewReader("x"), 1))
	require.NoError(t, p.DeleteObject(ctx, "probe"))
	assert.Empty(t, cloudtest.ObjectKeys(t, ctx, bucket, ""))
	assert.NoError(t, p.DeleteObject(ctx, "probe"))
}
