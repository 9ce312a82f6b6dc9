package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/imageindex/internal/apperr"
)

func newLocal(t *testing.T, mutate func(*Config)) *LocalStore {
	t.Helper()
	cfg := Config{Driver: DriverLocal, Bucket: "photos", RootPath: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewLocalStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(context.Background()))
	return store
}

func TestLocalStoreHeadPut(t *testing.T) {
	ctx := context.Background()
	store := newLocal(t, nil)

	ok, err := store.Head(ctx, "a.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "a.jpg", []byte("jpeg bytes"), "image/jpeg"))

	ok, err = store.Head(ctx, "a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "image/jpeg", store.ContentType("a.jpg"))
}

func TestLocalStorePutRequiresKey(t *testing.T) {
	err := newLocal(t, nil).Put(context.Background(), "", []byte("x"), "image/png")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.False(t, IsRetryable(err))
}

func TestLocalStoreObjectURL(t *testing.T) {
	ctx := context.Background()

	store := newLocal(t, func(c *Config) {
		c.Prefix = "/raw/"
		c.PublicBaseURL = "https://cdn.example.com/"
	})
	u, err := store.ObjectURL(ctx, "my photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/raw/my%20photo.jpg", u)

	plain := newLocal(t, nil)
	u, err = plain.ObjectURL(ctx, "b.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)
	assert.True(t, strings.HasSuffix(u, "/photos/b.png"), u)
}

func TestConfigValidate(t *testing.T) {
	err := Config{Driver: DriverMinio}.Validate()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Contains(t, err.Error(), "bucket is required")
	assert.Contains(t, err.Error(), "endpoint url is required")

	err = Config{Driver: "ftp", Bucket: "b"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "ftp"`)

	assert.NoError(t, Config{Driver: DriverS3, Bucket: "b", Region: "eu-west-1"}.Validate())
	assert.NoError(t, Config{
		Bucket:          "b",
		EndpointURL:     "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	}.Validate())
}

func TestNewSelectsLocalDriver(t *testing.T) {
	store, err := New(context.Background(), Config{Driver: "LOCAL", Bucket: "b", RootPath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)
}

func TestClassifyMinioError(t *testing.T) {
	assert.True(t, isNotFound(classifyMinioError("head", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})))

	err := classifyMinioError("put", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403})
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.False(t, IsRetryable(err))

	err = classifyMinioError("put", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503})
	assert.True(t, IsRetryable(err))

	err = classifyMinioError("put", errors.New("dial tcp: connection refused"))
	assert.True(t, IsRetryable(err))
}

func TestClassifyS3Error(t *testing.T) {
	assert.True(t, isNotFound(classifyS3Error("head", &types.NotFound{})))
	assert.True(t, isNotFound(classifyS3Error("head", &types.NoSuchKey{})))

	err := classifyS3Error("put", &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"})
	var coded *apperr.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, CodePermissionDenied, coded.Code)
	assert.False(t, coded.Retryable)

	err = classifyS3Error("put", &smithy.GenericAPIError{Code: "InternalError", Message: "oops"})
	assert.True(t, IsRetryable(err))
}

func TestClassifyMessageKeepsKindAndCause(t *testing.T) {
	cause := errors.New("the specified key does not exist")
	err := classifyMessage("objectstore.put", cause)
	var coded *apperr.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, apperr.KindStorage, coded.Kind)
	assert.Equal(t, CodeObjectNotFound, coded.Code)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRetryable(err))

	err = classifyStatus("objectstore.object_url", 404, cause)
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.ErrorIs(t, err, cause)
}

func TestClassifyMessageUnknownIsPermanent(t *testing.T) {
	err := classifyMessage("objectstore.put", errors.New("checksum mismatch on part 3"))
	var coded *apperr.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, CodeWriteFailed, coded.Code)
	assert.False(t, IsRetryable(err))

	err = classifyMessage("objectstore.object_url", errors.New("unsupported presign option"))
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, CodeReadFailed, coded.Code)
	assert.False(t, IsRetryable(err))

	assert.True(t, IsRetryable(classifyMessage("objectstore.put", errors.New("unexpected EOF"))))
}
