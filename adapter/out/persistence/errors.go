package persistence

import (
	"database/sql"
	"errors"
	"strings"

	"triage_server/pkg/apperr"

	"github.com/lib/pq"
)

// wrapDBError maps driver errors onto the application taxonomy so callers
// can branch on apperr.IsNotFound / IsConflict instead of driver types.
func wrapDBError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(operation)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return apperr.AlreadyExists(operation).WithError(err)
		case "23503": // foreign_key_violation
			return apperr.Conflict(operation + ": referenced row missing").WithError(err)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return apperr.Conflict(operation + ": concurrent update").WithError(err)
		}
	}

	// pgx surfaces SQLSTATE in the message when used through database/sql.
	if strings.Contains(err.Error(), "23505") {
		return apperr.AlreadyExists(operation).WithError(err)
	}

	return apperr.DatabaseError(operation, err)
}

// isUniqueViolation reports whether err is a duplicate-key error, either as
// a typed pq error or a pgx SQLSTATE string.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505")
}
