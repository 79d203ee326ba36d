package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{
			name: "duplicate assignment",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: assignmentUniqueConstraint},
			code: errors.CodeDuplicateAssignment,
		},
		{
			name: "other unique violation",
			err:  fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "audit_events_pkey"}),
			code: errors.CodeVersionConflict,
		},
		{
			name:      "serialization failure",
			err:       &pgconn.PgError{Code: "40001"},
			code:      errors.CodePersistence,
			retryable: true,
		},
		{
			name:      "deadlock",
			err:       &pgconn.PgError{Code: "40P01"},
			code:      errors.CodePersistence,
			retryable: true,
		},
		{
			name: "check violation",
			err:  &pgconn.PgError{Code: "23514", Message: "violates check constraint"},
			code: errors.CodePersistence,
		},
		{
			name:      "deadline",
			err:       context.DeadlineExceeded,
			code:      errors.CodePersistence,
			retryable: true,
		},
		{
			name:      "connection refused",
			err:       stderrors.New("dial tcp 127.0.0.1:5432: connect: connection refused"),
			code:      errors.CodePersistence,
			retryable: true,
		},
		{
			name: "unknown",
			err:  stderrors.New("boom"),
			code: errors.CodePersistence,
		},
		{
			name: "already classified",
			err:  errors.NewNotFoundError("cycle"),
			code: errors.CodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.True(t, errors.HasCode(got, tt.code), "got %v", got)
			assert.Equal(t, tt.retryable, errors.IsRetryable(got))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: assignmentUniqueConstraint}

	assert.True(t, isUniqueViolation(err, ""))
	assert.True(t, isUniqueViolation(err, assignmentUniqueConstraint))
	assert.False(t, isUniqueViolation(err, "other_key"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, isUniqueViolation(nil, ""))
}
