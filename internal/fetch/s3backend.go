package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Config addresses a private channel hosted in an S3-compatible
// object store (R2, S3 proper, MinIO). KeyPrefix here is the
// channel's root inside the bucket, so BuildKey(subdir, fn) mirrors
// an http channel's URL layout.
type S3Config struct {
	Endpoint  string // empty selects AWS's default resolver
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	KeyPrefix string

	DownloadPartSize    int64
	DownloadConcurrency int
}

// S3Backend is the object-store transport for channels that are not
// served over plain HTTP(S). It exposes the same conditional-fetch
// shape as Client (spec.md §4.3) using HeadObject's ETag as the
// closest S3 analogue to an HTTP If-None-Match round trip.
type S3Backend struct {
	cfg    S3Config
	client *s3.Client
	dl     *manager.Downloader
}

func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("fetch: s3 backend requires a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("fetch: load aws config: %w", err)
	}

	s3c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	partSize := cfg.DownloadPartSize
	if partSize <= 0 {
		partSize = 8 << 20
	}
	concurrency := cfg.DownloadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	dl := manager.NewDownloader(s3c, func(d *manager.Downloader) {
		d.PartSize = partSize
		d.Concurrency = concurrency
	})

	return &S3Backend{cfg: cfg, client: s3c, dl: dl}, nil
}

// BuildKey maps a channel-relative path (subdir + filename) to the
// object key under the configured prefix.
func (b *S3Backend) BuildKey(subdir, filename string) string {
	base := path.Join(subdir, filename)
	if b.cfg.KeyPrefix != "" {
		return path.Join(b.cfg.KeyPrefix, base)
	}
	return base
}

// Head returns the object's current ETag, or ("", false, nil) if it
// does not exist.
func (b *S3Backend) Head(ctx context.Context, key string) (etag string, ok bool, err error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if notFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("fetch: head key=%s: %w", key, err)
	}
	if out.ETag != nil {
		etag = *out.ETag
	}
	return etag, true, nil
}

// Download fetches key into dest, returning Result.NotModified=true
// without touching dest if a HeadObject probe shows the object's
// ETag still matches priorETag (the object-store analogue of a 304,
// since S3 GetObject's If-None-Match support is inconsistent across
// S3-compatible providers — spec.md §5 open question).
func (b *S3Backend) Download(ctx context.Context, key, dest, priorETag string) (Result, error) {
	currentETag, exists, err := b.Head(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		return Result{}, &StatusError{URL: key, StatusCode: http.StatusNotFound}
	}
	if priorETag != "" && currentETag == priorETag {
		return Result{NotModified: true, ETag: currentETag}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, err
	}
	tmp := dest + ".part"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: create temp: %w", err)
	}
	defer func() {
		tf.Close()
		os.Remove(tmp)
	}()

	_, err = b.dl.Download(ctx, tf, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch: download key=%s: %w", key, err)
	}
	if err := tf.Sync(); err != nil {
		return Result{}, fmt.Errorf("fetch: sync temp: %w", err)
	}
	if err := tf.Close(); err != nil {
		return Result{}, fmt.Errorf("fetch: close temp: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return Result{}, fmt.Errorf("fetch: rename temp: %w", err)
	}

	return Result{StatusCode: http.StatusOK, ETag: currentETag}, nil
}

func notFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.Response.StatusCode == http.StatusNotFound
	}
	var api smithy.APIError
	if errors.As(err, &api) {
		return api.ErrorCode() == "NoSuchKey" || api.ErrorCode() == "NotFound"
	}
	return false
}
