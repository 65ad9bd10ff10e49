package database

import (
	"net/http"
	"strings"

	"github.com/lib/pq"
	"github.com/medflow/medcode/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return mapUniqueConstraint(pqErr)

	// Serialization failure (40001), deadlock (40P01): another unit of work touched the
	// same counter or code rows
	case "40001", "40P01":
		return errors.Wrap(pqErr, "CONCURRENT_UPDATE", "concurrent update of the same record, retry the operation", http.StatusConflict)

	// Foreign key violation (23503)
	case "23503":
		return errors.BadRequest("referenced record does not exist")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "medicine_type_valid"):
		return errors.Validation(map[string]string{
			"medicine_type": "must be one of: A, B, C, F, H, P, S, V",
		})
	case strings.Contains(constraint, "state_valid"):
		return errors.Validation(map[string]string{
			"state": "must be one of: GENERATED, PRINTED, DISTRIBUTED, SCANNED, USED, EXPIRED, INVALID",
		})
	case strings.Contains(constraint, "current_value_range"):
		return errors.BadRequest("sequence value out of range")
	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func mapUniqueConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "master_entries"):
		return errors.DuplicateClassification(pqErr.Detail)
	case strings.Contains(constraint, "code_string"):
		return errors.Conflict("a code with this value already exists")
	case strings.Contains(constraint, "sequence_counters"):
		return errors.Conflict("sequence counter already exists")
	default:
		return errors.Conflict("a record with these values already exists")
	}
}
