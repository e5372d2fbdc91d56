// Package publish copies a finished job's artifacts to a file:// or s3://
// destination.
//
// Artifacts land under <prefix>/<job directory name>/, next to a receipt
// listing what was copied.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/provider"
	"github.com/3leaps/viamerun/pkg/provider/file"
	s3provider "github.com/3leaps/viamerun/pkg/provider/s3"
)

// ReceiptName is written last, after every artifact.
const ReceiptName = "publish-receipt.json"

// DefaultPatterns select the artifacts of a job working directory.
var DefaultPatterns = []string{"*.csv", jobs.RunLogFileName, jobs.ManifestFileName}

var (
	ErrUnsupportedScheme = errors.New("unsupported publish scheme")
	ErrJobRunning        = errors.New("job has not finished")
	ErrSizeMismatch      = errors.New("published size mismatch")
)

// Destination is a parsed publish URI.
type Destination struct {
	Scheme string
	// Bucket is set for s3 destinations.
	Bucket string
	// Prefix is the key prefix inside the bucket, or the directory for file
	// destinations.
	Prefix string
}

func (d Destination) String() string {
	if d.Scheme == "s3" {
		return "s3://" + path.Join(d.Bucket, d.Prefix)
	}
	return "file://" + d.Prefix
}

// ParseURI parses s3://bucket/prefix or file:///abs/dir.
func ParseURI(raw string) (Destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Destination{}, fmt.Errorf("parse publish destination: %w", err)
	}
	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Destination{}, fmt.Errorf("s3 destination %q has no bucket", raw)
		}
		return Destination{Scheme: "s3", Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "file":
		dir := u.Path
		if u.Host != "" && u.Host != "localhost" {
			// file://relative/dir
			dir = u.Host + u.Path
		}
		if dir == "" {
			return Destination{}, fmt.Errorf("file destination %q has no path", raw)
		}
		return Destination{Scheme: "file", Prefix: filepath.FromSlash(dir)}, nil
	default:
		return Destination{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// S3Options tunes the S3 client for s3:// destinations.
type S3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Open returns a provider rooted at the destination and the key prefix to
// publish under.
func Open(ctx context.Context, dest Destination, opts S3Options) (provider.Provider, string, error) {
	switch dest.Scheme {
	case "file":
		p, err := file.New(file.Config{BaseDir: dest.Prefix})
		return p, "", err
	case "s3":
		p, err := s3provider.New(ctx, s3provider.Config{
			Bucket:         dest.Bucket,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			Profile:        opts.Profile,
			ForcePathStyle: opts.ForcePathStyle,
		})
		return p, dest.Prefix, err
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, dest.Scheme)
}

// Artifact is one published file.
type Artifact struct {
	Source string `json:"source"`
	Key    string `json:"key"`
	Bytes  int64  `json:"bytes"`
}

// Receipt records one publish of a job.
type Receipt struct {
	BatchID     string     `json:"batchId"`
	JobKey      string     `json:"jobKey"`
	ExitCode    int        `json:"exitCode"`
	PublishedAt time.Time  `json:"publishedAt"`
	Artifacts   []Artifact `json:"artifacts"`
}

// Publisher copies job artifacts through a provider.
type Publisher struct {
	provider provider.Provider
	prefix   string
	patterns []string
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Publisher)

func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPatterns replaces DefaultPatterns. Patterns are doublestar globs
// relative to the job working directory.
func WithPatterns(patterns ...string) Option {
	return func(p *Publisher) { p.patterns = patterns }
}

func New(p provider.Provider, prefix string, opts ...Option) *Publisher {
	pub := &Publisher{
		provider: p,
		prefix:   strings.Trim(prefix, "/"),
		patterns: DefaultPatterns,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(pub)
	}
	return pub
}

// Publish uploads the job's artifacts, verifies each by size, and finishes
// with the receipt. Only finished jobs can be published.
func (p *Publisher) Publish(ctx context.Context, job jobs.Job) (*Receipt, error) {
	if !job.Done() {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, job.Key)
	}
	if job.WorkingDir == "" {
		return nil, fmt.Errorf("job %s has no working directory", job.Key)
	}

	files, err := p.collect(job.WorkingDir)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		BatchID:     uuid.NewString(),
		JobKey:      job.Key,
		ExitCode:    *job.ExitCode,
		PublishedAt: p.now().UTC(),
	}
	base := p.keyBase(job.WorkingDir)
	for _, rel := range files {
		a, err := p.upload(ctx, filepath.Join(job.WorkingDir, filepath.FromSlash(rel)), path.Join(base, rel))
		if err != nil {
			return nil, err
		}
		receipt.Artifacts = append(receipt.Artifacts, a)
	}

	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	key := path.Join(base, ReceiptName)
	if err := p.provider.PutObject(ctx, key, strings.NewReader(string(data)), int64(len(data))); err != nil {
		return nil, fmt.Errorf("write receipt: %w", err)
	}

	p.logger.Info("Published job artifacts",
		zap.String("key", job.Key),
		zap.String("batch_id", receipt.BatchID),
		zap.Int("artifacts", len(receipt.Artifacts)))
	return receipt, nil
}

func (p *Publisher) keyBase(workingDir string) string {
	return path.Join(p.prefix, filepath.Base(workingDir))
}

func (p *Publisher) collect(dir string) ([]string, error) {
	fsys := os.DirFS(dir)
	seen := map[string]struct{}{}
	var out []string
	for _, pattern := range p.patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("match %q in %s: %w", pattern, dir, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Publisher) upload(ctx context.Context, src, key string) (Artifact, error) {
	f, err := os.Open(src)
	if err != nil {
		return Artifact{}, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}
	if err := p.provider.PutObject(ctx, key, f, st.Size()); err != nil {
		return Artifact{}, err
	}

	meta, err := p.provider.Head(ctx, key)
	if err != nil {
		return Artifact{}, err
	}
	if meta.Size != st.Size() {
		return Artifact{}, fmt.Errorf("%w: %s has %d bytes, expected %d", ErrSizeMismatch, key, meta.Size, st.Size())
	}
	p.logger.Debug("Published artifact", zap.String("key", key), zap.Int64("bytes", st.Size()))
	return Artifact{Source: src, Key: key, Bytes: st.Size()}, nil
}
