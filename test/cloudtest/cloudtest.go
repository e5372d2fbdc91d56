// Package cloudtest runs publish tests against a local moto S3 server.
//
// Tests using it carry the cloudintegration build tag and skip themselves
// when moto is not reachable:
//
//	cloudtest.SkipIfUnavailable(t)
//	bucket := cloudtest.CreateBucket(t, ctx)
//	p := cloudtest.NewProvider(t, ctx, bucket)
//	... publish through p ...
//	assert.Equal(t, want, cloudtest.ObjectKeys(t, ctx, bucket, "runs/"))
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	s3provider "github.com/3leaps/viamerun/pkg/provider/s3"
)

const (
	// DefaultEndpoint avoids macOS AirTunes on port 5000.
	DefaultEndpoint = "http://localhost:5555"
	DefaultRegion   = "us-east-1"

	// moto accepts any credentials.
	accessKeyID     = "testing"
	secretAccessKey = "testing"
)

var (
	Endpoint = envOr("MOTO_ENDPOINT", DefaultEndpoint)
	Region   = envOr("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Available reports whether the moto control API answers.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s", Endpoint)
	}
}

// Client returns a shared S3 client pointed at moto.
func Client() (*s3.Client, error) {
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	return client, clientErr
}

func clientT(t *testing.T) *s3.Client {
	t.Helper()
	c, err := Client()
	if err != nil {
		t.Fatalf("create S3 client: %v", err)
	}
	return c
}

// ProviderConfig is the publish provider configuration for bucket on moto.
func ProviderConfig(bucket string) s3provider.Config {
	return s3provider.Config{
		Bucket:          bucket,
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		ForcePathStyle:  true,
	}
}

// NewProvider opens a publish provider on bucket and closes it at cleanup.
func NewProvider(t *testing.T, ctx context.Context, bucket string) *s3provider.Provider {
	t.Helper()
	p, err := s3provider.New(ctx, ProviderConfig(bucket))
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// CreateBucket makes a bucket named after the test and removes it with its
// contents at cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := clientT(t).CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { deleteBucket(t, name) })
	return name
}

func deleteBucket(t *testing.T, bucket string) {
	t.Helper()
	ctx := context.Background()
	c := clientT(t)

	for _, key := range listKeys(ctx, c, bucket, "") {
		if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			t.Logf("warning: delete %s/%s: %v", bucket, key, err)
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: delete bucket %s: %v", bucket, err)
	}
}

// ObjectKeys lists keys under prefix in sorted order.
func ObjectKeys(t *testing.T, ctx context.Context, bucket, prefix string) []string {
	t.Helper()
	return listKeys(ctx, clientT(t), bucket, prefix)
}

func listKeys(ctx context.Context, c *s3.Client, bucket, prefix string) []string {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			break
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys
}

// GetObject reads a published object.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) []byte {
	t.Helper()
	out, err := clientT(t).GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("get %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read %s/%s: %v", bucket, key, err)
	}
	return data
}
