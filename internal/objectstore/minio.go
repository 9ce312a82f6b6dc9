package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements ObjectStore with the minio-go SDK.
type MinioStore struct {
	client *minio.Client
	cfg    Config
}

// NewMinioStore creates a MinIO/S3 client from cfg.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	cfg.normalizeDefaults()
	if cfg.EndpointURL == "" {
		return nil, wrapError("objectstore.minio", CodeEndpointUnreachable, false, fmt.Errorf("endpoint url is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, wrapError("objectstore.minio", CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, wrapError("objectstore.minio", CodeEndpointUnreachable, false, fmt.Errorf("invalid endpoint URL: %w", err))
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL
	if u.Scheme == "https" {
		useSSL = true
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError("objectstore.minio", CodeEndpointUnreachable, false, fmt.Errorf("failed to create minio client: %w", err))
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return classifyMinioError("objectstore.ensure_bucket", err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region})
	if err != nil {
		// Lost a creation race with another process.
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return classifyMinioError("objectstore.ensure_bucket", err)
	}
	return nil
}

func (s *MinioStore) Head(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, s.cfg.objectKey(name), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	cerr := classifyMinioError("objectstore.head", err)
	if isNotFound(cerr) {
		return false, nil
	}
	return false, cerr
}

func (s *MinioStore) Put(ctx context.Context, name string, data []byte, contentType string) error {
	if name == "" {
		return wrapError("objectstore.put", CodeWriteFailed, false, fmt.Errorf("object key is required"))
	}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.cfg.objectKey(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return classifyMinioError("objectstore.put", err)
	}
	return nil
}

func (s *MinioStore) ObjectURL(ctx context.Context, name string) (string, error) {
	key := s.cfg.objectKey(name)
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.publicURL(key), nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, s.cfg.PresignExpiry, url.Values{})
	if err != nil {
		return "", classifyMinioError("objectstore.object_url", err)
	}
	return u.String(), nil
}

// classifyMinioError converts minio-go errors to coded storage errors.
// A missing object yields CodeObjectNotFound.
func classifyMinioError(op string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return notFound(op, err)
	case "NoSuchBucket":
		return wrapError(op, CodeBucketNotFound, false, err)
	case "AccessDenied":
		return wrapError(op, CodePermissionDenied, false, err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return wrapError(op, CodeAuthInvalid, false, err)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return wrapError(op, CodeEndpointUnreachable, true, err)
	}
	if resp.StatusCode != 0 {
		if cerr := classifyStatus(op, resp.StatusCode, err); cerr != nil {
			return cerr
		}
	}
	return classifyMessage(op, err)
}
