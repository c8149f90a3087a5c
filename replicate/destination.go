package replicate

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
)

// Destination ships a sealed segment+manifest pair somewhere durable
// outside the local queue database (spec.md §4.6: "local directory copy,
// S3-compatible object store").
type Destination interface {
	Name() string
	Ship(segmentPath, manifestPath string) error
}

// LocalDestination copies both files into a target directory.
type LocalDestination struct {
	Dir string
}

func (d *LocalDestination) Name() string { return "local" }

func (d *LocalDestination) Ship(segmentPath, manifestPath string) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	if err := copyFile(segmentPath, filepath.Join(d.Dir, filepath.Base(segmentPath))); err != nil {
		return err
	}
	return copyFile(manifestPath, filepath.Join(d.Dir, filepath.Base(manifestPath)))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// S3Destination ships segments to an S3-compatible bucket, retrying
// transient failures with exponential backoff and jitter
// (github.com/cenkalti/backoff/v4, spec.md §4.6).
type S3Destination struct {
	Bucket string
	Prefix string
	client *s3.Client
}

// NewS3Destination builds a client from the default AWS config chain,
// optionally overriding the endpoint for S3-compatible stores.
func NewS3Destination(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Destination, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3Destination{Bucket: bucket, Prefix: prefix, client: client}, nil
}

func (d *S3Destination) Name() string { return "s3" }

func (d *S3Destination) Ship(segmentPath, manifestPath string) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(func() error {
		if err := d.putFile(segmentPath); err != nil {
			return err
		}
		return d.putFile(manifestPath)
	}, backoff.WithMaxRetries(b, 5))
}

func (d *S3Destination) putFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer f.Close()
	key := filepath.Join(d.Prefix, filepath.Base(path))
	_, err = d.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}
