package assetstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/nucleus/imageindex/internal/apperr"
)

func TestIsTransient(t *testing.T) {
	transient := []error{
		&pgconn.PgError{Code: "57P01", Severity: "FATAL"},
		&pgconn.PgError{Code: "57P03"},
		&pgconn.PgError{Code: "08006"},
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40P01"},
		fmt.Errorf("exec: %w", io.ErrUnexpectedEOF),
		errors.New("read tcp 10.0.0.1:5432: connection reset by peer"),
		errors.New("write: broken pipe"),
		errors.New("FATAL: terminating connection due to administrator command"),
	}
	for _, err := range transient {
		assert.True(t, IsTransient(err), err.Error())
	}

	permanent := []error{
		nil,
		&pgconn.PgError{Code: "42601"},
		&pgconn.PgError{Code: "23505"},
		context.Canceled,
		fmt.Errorf("query: %w", context.DeadlineExceeded),
		errors.New("relation does not exist"),
	}
	for _, err := range permanent {
		assert.False(t, IsTransient(err), fmt.Sprint(err))
	}
}

func TestWrapClassifiesPersistenceErrors(t *testing.T) {
	err := wrap("op", &pgconn.PgError{Code: "57P01"})
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
	assert.True(t, IsRetryable(err))

	err = wrap("op", &pgconn.PgError{Code: "42P01"})
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
	assert.False(t, IsRetryable(err))

	assert.ErrorIs(t, wrap("op", context.Canceled), context.Canceled)
	assert.Nil(t, wrap("op", nil))

	mismatch := apperr.DimensionMismatch("op", 4, 3)
	assert.Same(t, mismatch, wrap("op", mismatch))
}

func TestVersionAtLeast(t *testing.T) {
	assert.True(t, versionAtLeast("0.5.0", 0, 5, 0))
	assert.True(t, versionAtLeast("0.7.4", 0, 5, 0))
	assert.True(t, versionAtLeast("1.0", 0, 5, 0))
	assert.True(t, versionAtLeast("0.5", 0, 5, 0))
	assert.False(t, versionAtLeast("0.4.4", 0, 5, 0))
	assert.False(t, versionAtLeast("garbage", 0, 5, 0))
}
