// Package apperr defines the error taxonomy shared by the sync engine and the query surface.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the subsystem that produced it.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindStorage           Kind = "storage"
	KindPersistence       Kind = "persistence"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindProvider          Kind = "provider"
	KindNotFound          Kind = "not_found"
)

const (
	CodeConfigInvalid     = "E_CONFIG_INVALID"
	CodeObjectStore       = "E_OBJECT_STORE"
	CodeMetadataStore     = "E_METADATA_STORE"
	CodeDimensionMismatch = "E_DIMENSION_MISMATCH"
	CodeProviderFailed    = "E_PROVIDER_FAILED"
	CodeRateLimited       = "E_RATE_LIMITED"
	CodeNotFound          = "E_NOT_FOUND"
)

// Error wraps a failure with its kind, a stable code, and a retryability hint.
type Error struct {
	Kind      Kind
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Code
	if e.Op != "" {
		prefix = e.Op + ": " + e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

// New builds an Error of the given kind.
func New(kind Kind, op, code string, retryable bool, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Retryable: retryable, Err: err}
}

// Configuration reports a missing or invalid required setting.
func Configuration(op string, err error) *Error {
	return New(KindConfiguration, op, CodeConfigInvalid, false, err)
}

// Storage reports an object store failure other than "not found".
func Storage(op string, retryable bool, err error) *Error {
	return New(KindStorage, op, CodeObjectStore, retryable, err)
}

// Persistence reports a metadata store failure.
func Persistence(op string, retryable bool, err error) *Error {
	return New(KindPersistence, op, CodeMetadataStore, retryable, err)
}

// Provider reports an embedding provider failure.
func Provider(op string, retryable bool, err error) *Error {
	code := CodeProviderFailed
	if retryable {
		code = CodeRateLimited
	}
	return New(KindProvider, op, code, retryable, err)
}

// NotFound reports a missing asset row.
func NotFound(op, what string) *Error {
	return New(KindNotFound, op, CodeNotFound, false, fmt.Errorf("%s not found", what))
}

// DimensionMismatch reports a vector whose length differs from the configured dimension.
// It is never retryable.
func DimensionMismatch(op string, expected, got int) *Error {
	return New(KindDimensionMismatch, op, CodeDimensionMismatch, false,
		fmt.Errorf("expected %d elements, got %d", expected, got))
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CheckDimension validates a vector length against the configured dimension.
func CheckDimension(op string, vec []float32, dim int) error {
	if len(vec) != dim {
		return DimensionMismatch(op, dim, len(vec))
	}
	return nil
}
