package publish

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/mattjoyce/siphon/internal/status"
)

// S3Options locates the archive bucket.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3Archive uploads the feedstock and the raw files to object storage and
// links the feedstock object.
type S3Archive struct {
	Bucket   string
	Prefix   string
	Uploader s3manageriface.UploaderAPI
	Logger   *slog.Logger
}

// NewS3Archive builds an archive step on the default AWS credential chain.
// A custom endpoint switches to path-style addressing for S3-compatible
// stores.
func NewS3Archive(opts S3Options, logger *slog.Logger) (*S3Archive, error) {
	cfg := aws.NewConfig()
	if opts.Region != "" {
		cfg = cfg.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3Archive{
		Bucket:   opts.Bucket,
		Prefix:   opts.Prefix,
		Uploader: s3manager.NewUploader(sess),
		Logger:   logger,
	}, nil
}

func (a *S3Archive) Key() status.Step { return status.StepPublish }

func (a *S3Archive) Enabled(job Job) bool {
	return a.Bucket != "" && job.Requested(status.StepPublish)
}

func (a *S3Archive) Run(ctx context.Context, job Job) (Outcome, error) {
	base := path.Join(a.Prefix, job.SourceID)

	uploaded := 0
	if job.DataDir != "" {
		err := filepath.WalkDir(job.DataDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(job.DataDir, p)
			if err != nil {
				return err
			}
			if _, err := a.put(ctx, p, path.Join(base, "data", filepath.ToSlash(rel))); err != nil {
				return err
			}
			uploaded++
			return nil
		})
		if err != nil {
			return Outcome{}, err
		}
	}

	if job.Feedstock == "" {
		return Outcome{Code: status.CodeMessage, Message: status.Text("archived %d files", uploaded)}, nil
	}
	location, err := a.put(ctx, job.Feedstock, path.Join(base, filepath.Base(job.Feedstock)))
	if err != nil {
		return Outcome{}, err
	}
	if a.Logger != nil {
		a.Logger.Info("archive published", "source_id", job.SourceID, "files", uploaded, "location", location)
	}
	return Outcome{
		Code:    status.CodeLink,
		Message: status.Message{Text: fmt.Sprintf("archived %d files", uploaded), Link: location},
	}, nil
}

func (a *S3Archive) put(ctx context.Context, file, key string) (string, error) {
	fh, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	out, err := a.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
		Body:   fh,
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", a.Bucket, key, err)
	}
	return out.Location, nil
}
