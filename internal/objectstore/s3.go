package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements ObjectStore with aws-sdk-go-v2. It works against AWS
// and any S3-compatible endpoint (path-style addressing when EndpointURL is set).
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     Config
}

// NewS3Store loads the default AWS configuration chain, overriding region,
// credentials, and endpoint where cfg sets them.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	cfg.normalizeDefaults()
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, wrapError("objectstore.s3", CodeAuthInvalid, false, fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, presign: s3.NewPresignClient(client), cfg: cfg}, nil
}

func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		return nil
	}
	if cerr := classifyS3Error("objectstore.ensure_bucket", err); !isNotFound(cerr) {
		return cerr
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
	if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return classifyS3Error("objectstore.ensure_bucket", err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.cfg.objectKey(name)),
	})
	if err == nil {
		return true, nil
	}
	cerr := classifyS3Error("objectstore.head", err)
	if isNotFound(cerr) {
		return false, nil
	}
	return false, cerr
}

func (s *S3Store) Put(ctx context.Context, name string, data []byte, contentType string) error {
	if name == "" {
		return wrapError("objectstore.put", CodeWriteFailed, false, fmt.Errorf("object key is required"))
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.cfg.objectKey(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return classifyS3Error("objectstore.put", err)
	}
	return nil
}

func (s *S3Store) ObjectURL(ctx context.Context, name string) (string, error) {
	key := s.cfg.objectKey(name)
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.publicURL(key), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.PresignExpiry))
	if err != nil {
		return "", classifyS3Error("objectstore.object_url", err)
	}
	return req.URL, nil
}

// classifyS3Error converts aws-sdk-go-v2 errors to coded storage errors.
// A missing object, or a missing bucket on HEAD, yields CodeObjectNotFound.
func classifyS3Error(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return notFound(op, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return wrapError(op, CodeBucketNotFound, false, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return notFound(op, err)
		case "AccessDenied", "Forbidden":
			return wrapError(op, CodePermissionDenied, false, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrapError(op, CodeAuthInvalid, false, err)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return wrapError(op, CodeEndpointUnreachable, true, err)
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		if cerr := classifyStatus(op, status.HTTPStatusCode(), err); cerr != nil {
			return cerr
		}
	}
	return classifyMessage(op, err)
}
