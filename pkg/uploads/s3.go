package uploads

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/retry"
	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/types"
)

// PutObjectAPI is the part of the S3 client the uploader calls.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client loads the default AWS configuration for region. When
// AWS_ENDPOINT_URL is set (localstack, minio) path-style addressing is used.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := os.Getenv("AWS_ENDPOINT_URL")
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Options configures an S3Uploader.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Algorithm string
	Retry     retry.Config
}

// S3Uploader stores artifacts under s3://<bucket>/<prefix>/<plan_id>/<file>.
type S3Uploader struct {
	opts    S3Options
	connect func(ctx context.Context) (PutObjectAPI, error)
	logger  *slog.Logger

	mu  sync.Mutex
	api PutObjectAPI
}

// NewS3Uploader creates an uploader that loads the AWS configuration on
// first use, so a broken profile degrades uploads instead of startup.
func NewS3Uploader(opts S3Options, logger *slog.Logger) *S3Uploader {
	u := newS3Uploader(opts, logger)
	u.connect = func(ctx context.Context) (PutObjectAPI, error) {
		return NewS3Client(ctx, opts.Region)
	}
	return u
}

// NewS3UploaderWithAPI creates an uploader around an existing client.
func NewS3UploaderWithAPI(api PutObjectAPI, opts S3Options, logger *slog.Logger) *S3Uploader {
	u := newS3Uploader(opts, logger)
	u.api = api
	return u
}

func newS3Uploader(opts S3Options, logger *slog.Logger) *S3Uploader {
	if opts.Algorithm == "" {
		opts.Algorithm = signatures.DefaultAlgorithm
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfigs.Fast
	}
	return &S3Uploader{opts: opts, logger: logging.OrDefault(logger)}
}

// client returns the S3 client, building it on first use. A failed build is
// retried on the next upload.
func (u *S3Uploader) client(ctx context.Context) PutObjectAPI {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.api != nil || u.connect == nil {
		return u.api
	}
	api, err := u.connect(ctx)
	if err != nil {
		u.logger.Warn("S3 client unavailable", "error", err)
		return nil
	}
	u.api = api
	return u.api
}

// Key returns the object key for file within plan's folder.
func (u *S3Uploader) Key(planID, file string) string {
	return path.Join(strings.Trim(u.opts.Prefix, "/"), planID, file)
}

// Upload puts each entry into the bucket. The single-part ETag is the
// object's md5 and is reconciled against the local file.
func (u *S3Uploader) Upload(ctx context.Context, entries []signatures.Entry, plan types.Plan) ([]signatures.UploadRow, []string, error) {
	rows := []signatures.UploadRow{}
	if u.opts.Bucket == "" {
		return rows, []string{fmt.Sprintf("S3 upload skipped for plan %s: no destination bucket configured", plan.PlanID)}, nil
	}
	if len(entries) == 0 {
		return rows, []string{}, nil
	}
	api := u.client(ctx)
	if api == nil {
		return rows, []string{fmt.Sprintf("S3 upload skipped for plan %s: S3 client unavailable", plan.PlanID)}, nil
	}

	warnings := []string{}
	for _, entry := range entries {
		info, err := os.Stat(entry.Path)
		if entry.Path == "" || err != nil || info.IsDir() {
			warnings = append(warnings, fmt.Sprintf("Artifact %s missing for upload", entry.Label))
			continue
		}

		digest, localMD5, size, err := localDigests(entry.Path, u.opts.Algorithm)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Artifact %s could not be hashed: %v", entry.Label, err))
			continue
		}

		key := u.Key(plan.PlanID, filepath.Base(entry.Path))
		out, err := retry.ExecuteWithRetry(ctx, func() (*s3.PutObjectOutput, error) {
			return u.put(ctx, api, entry, key, size)
		}, u.opts.Retry)
		if err != nil {
			u.logger.Warn("S3 upload failed", "label", entry.Label, "key", key, "error", err)
			warnings = append(warnings, fmt.Sprintf("S3 upload failed for %s: %v", entry.Label, err))
			continue
		}

		etag := strings.Trim(aws.ToString(out.ETag), `"`)
		if etag != "" && !strings.Contains(etag, "-") && !strings.EqualFold(etag, localMD5) {
			warnings = append(warnings, fmt.Sprintf("S3 MD5 mismatch for %s: remote=%s local=%s", entry.Label, etag, localMD5))
		}

		rows = append(rows, signatures.UploadRow{
			Label:     entry.Label,
			RemoteRef: fmt.Sprintf("s3://%s/%s", u.opts.Bucket, key),
			Hash:      digest,
			Algorithm: u.opts.Algorithm,
			SizeBytes: &size,
		})
	}
	return rows, warnings, nil
}

func (u *S3Uploader) put(ctx context.Context, api PutObjectAPI, entry signatures.Entry, key string, size int64) (*s3.PutObjectOutput, error) {
	f, err := os.Open(entry.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(entry.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	out, err := api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.opts.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"label": entry.Label},
	})
	if err != nil {
		return nil, dserr.Wrap(err, dserr.CodeUploadFailed, "s3 put")
	}
	return out, nil
}
