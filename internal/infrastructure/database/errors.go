package database

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
)

const assignmentUniqueConstraint = "assignments_cycle_control_key"

// PostgreSQL error codes the store reacts to
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

func pgCode(err error) (string, *pgconn.PgError) {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code, pgErr
	}
	return "", nil
}

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally on a specific constraint
func isUniqueViolation(err error, constraint string) bool {
	code, pgErr := pgCode(err)
	if code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// isRetryable reports whether the transaction may succeed if run again
func isRetryable(err error) bool {
	switch code, _ := pgCode(err); code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
		return true
	}
	return isConnectionError(err)
}

// isConnectionError checks if the error is related to database connectivity
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no connection to the server")
}

// classify maps driver errors onto the workflow error taxonomy
func classify(err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	switch {
	case isUniqueViolation(err, assignmentUniqueConstraint):
		return errors.NewDuplicateAssignmentError("control is already assigned in this cycle").WithCause(err)
	case isUniqueViolation(err, ""):
		return errors.NewConflictError(errors.CodeVersionConflict, "concurrent write conflict").WithCause(err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewTransientPersistenceError("database unavailable").WithCause(err)
	}
	if _, pgErr := pgCode(err); pgErr != nil {
		if isRetryable(err) {
			return errors.NewTransientPersistenceError("transaction aborted, retry").WithCause(err)
		}
		return errors.NewPersistenceError(pgErr.Message).WithCause(err)
	}
	if isConnectionError(err) {
		return errors.NewTransientPersistenceError("database unavailable").WithCause(err)
	}
	return errors.NewPersistenceError("commit failed").WithCause(err)
}
