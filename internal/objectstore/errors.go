package objectstore

import (
	"errors"
	"strings"

	"github.com/nucleus/imageindex/internal/apperr"
)

const (
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeTimeout             = "E_TIMEOUT"
	CodeWriteFailed         = "E_OBJECT_WRITE_FAILED"
	CodeReadFailed          = "E_OBJECT_READ_FAILED"
	CodeObjectNotFound      = "E_OBJECT_NOT_FOUND"
)

func wrapError(op, code string, retryable bool, err error) *apperr.Error {
	return apperr.New(apperr.KindStorage, op, code, retryable, err)
}

func notFound(op string, err error) error {
	return wrapError(op, CodeObjectNotFound, false, err)
}

// isNotFound reports whether a classified error is a missing object. Head
// turns it into (false, nil); every other call returns it as is.
func isNotFound(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Code == CodeObjectNotFound
}

// failureCode picks the generic code for an unrecognized failure of op.
func failureCode(op string) string {
	if strings.HasSuffix(op, ".put") {
		return CodeWriteFailed
	}
	return CodeReadFailed
}

// classifyMessage maps an SDK error to a storage code using the error text.
// SDK-specific checks run first in each driver; this is the shared fallback.
func classifyMessage(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such key"), strings.Contains(msg, "not found"), strings.Contains(msg, "does not exist"):
		return notFound(op, err)
	case strings.Contains(msg, "no such bucket"):
		return wrapError(op, CodeBucketNotFound, false, err)
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"), strings.Contains(msg, "forbidden"):
		return wrapError(op, CodePermissionDenied, false, err)
	case strings.Contains(msg, "invalid access key"), strings.Contains(msg, "signature"), strings.Contains(msg, "authentication"):
		return wrapError(op, CodeAuthInvalid, false, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return wrapError(op, CodeTimeout, true, err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "unreachable"), strings.Contains(msg, "no such host"), strings.Contains(msg, "eof"):
		return wrapError(op, CodeEndpointUnreachable, true, err)
	}
	return wrapError(op, failureCode(op), false, err)
}

// classifyStatus maps an HTTP status from the object store.
func classifyStatus(op string, status int, err error) error {
	switch {
	case status == 404:
		return notFound(op, err)
	case status == 401:
		return wrapError(op, CodeAuthInvalid, false, err)
	case status == 403:
		return wrapError(op, CodePermissionDenied, false, err)
	case status == 408 || status == 429 || status >= 500:
		return wrapError(op, CodeEndpointUnreachable, true, err)
	}
	return nil
}

// IsRetryable reports whether an object store error is worth another attempt.
func IsRetryable(err error) bool {
	return apperr.Is(err, apperr.KindStorage) && apperr.IsRetryable(err)
}
