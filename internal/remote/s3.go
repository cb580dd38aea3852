package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// uploader is the subset of manager.Uploader used by S3Remote.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Remote stores each write as a JSON envelope object:
//
//	s3://<bucket>/<prefix>/<id>.json
//
// Object keys are derived from the record id, so a redelivery overwrites the
// same object.
type S3Remote struct {
	name     string
	bucket   string
	prefix   string
	uploader uploader
}

// S3Options configures NewS3Remote.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // S3-compatible endpoint; enables path-style addressing
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Remote creates an S3 remote using the default AWS credential chain
// unless static credentials are given.
func NewS3Remote(ctx context.Context, name string, opts S3Options) (*S3Remote, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 remote requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Remote(name, opts.Bucket, opts.Prefix, manager.NewUploader(client)), nil
}

func newS3Remote(name, bucket, prefix string, u uploader) *S3Remote {
	return &S3Remote{name: name, bucket: bucket, prefix: prefix, uploader: u}
}

// objectKey returns the key a write is stored under.
func (r *S3Remote) objectKey(id string) string {
	if r.prefix == "" {
		return objectName(id)
	}
	return path.Join(r.prefix, objectName(id))
}

func (r *S3Remote) Submit(ctx context.Context, w *model.PendingWrite) error {
	data, err := encodeEnvelope(w)
	if err != nil {
		return err
	}

	_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(r.objectKey(w.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// classifyS3Error maps an upload error onto the remote error kinds. Requests
// the service answered are rejections; everything else is unreachability.
func classifyS3Error(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() > 0 {
		return &okoa.RemoteRejectedError{
			StatusCode: respErr.HTTPStatusCode(),
			Body:       respErr.Error(),
		}
	}
	return okoa.Unavailable(err)
}

func (r *S3Remote) Name() string {
	return r.name
}

// Compile-time check that S3Remote implements okoa.Remote interface
var _ okoa.Remote = (*S3Remote)(nil)
