package s3

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/viamerun/pkg/provider"
)

// Provider writes published artifacts into one bucket.
type Provider struct {
	client *s3.Client
	bucket string
}

var _ provider.Provider = (*Provider)(nil)

// New validates cfg and builds a client for its bucket.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}
	awsCfg.Region = cfg.region(awsCfg.Region)

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Provider{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads body under key with a content type taken from the
// key's extension.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
	}
	if ct := contentTypeFor(key); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := p.client.PutObject(ctx, in); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// DeleteObject removes key. S3 reports success for missing keys.
func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

func (p *Provider) Close() error { return nil }

// Job artifacts are mostly CSV, text logs and JSON manifests.
func contentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	switch ext {
	case "":
		return ""
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return mime.TypeByExtension(ext)
}

// errorCodes maps S3 API error codes to provider sentinels.
var errorCodes = map[string]error{
	"NoSuchKey":             provider.ErrNotFound,
	"NotFound":              provider.ErrNotFound,
	"NoSuchBucket":          provider.ErrBucketNotFound,
	"AccessDenied":          provider.ErrAccessDenied,
	"Forbidden":             provider.ErrAccessDenied,
	"AllAccessDisabled":     provider.ErrAccessDenied,
	"InvalidAccessKeyId":    provider.ErrInvalidCredentials,
	"SignatureDoesNotMatch": provider.ErrInvalidCredentials,
	"ExpiredToken":          provider.ErrInvalidCredentials,
	"SlowDown":              provider.ErrThrottled,
	"Throttling":            provider.ErrThrottled,
	"RequestLimitExceeded":  provider.ErrThrottled,
	"ServiceUnavailable":    provider.ErrProviderUnavailable,
	"InternalError":         provider.ErrProviderUnavailable,
}

// statusHints classifies errors that reach us without an API code, such
// as HEAD responses that carry no body.
var statusHints = []struct {
	needle string
	err    error
}{
	{"StatusCode: 404", provider.ErrNotFound},
	{"NoSuchBucket", provider.ErrBucketNotFound},
	{"StatusCode: 403", provider.ErrAccessDenied},
	{"StatusCode: 429", provider.ErrThrottled},
	{"StatusCode: 503", provider.ErrProviderUnavailable},
}

func (p *Provider) wrapError(op, key string, err error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   p.bucket,
		Key:      key,
		Err:      classify(err),
	}
}

// classify swaps err for a sentinel when it recognizes the failure and
// returns it unchanged otherwise.
func classify(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel, ok := errorCodes[apiErr.ErrorCode()]; ok {
			return sentinel
		}
		return err
	}

	msg := err.Error()
	for _, h := range statusHints {
		if strings.Contains(msg, h.needle) {
			return h.err
		}
	}
	return err
}
