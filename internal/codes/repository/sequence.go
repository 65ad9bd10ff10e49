package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/database"
	"github.com/medflow/medcode/pkg/errors"
)

const bucketPredicate = `year = $1 AND month = $2 AND funding_source = $3 AND medicine_type = $4
	AND active_ingredient = $5 AND producer = $6 AND package_type = $7 AND sequence_type = $8`

func bucketArgs(b domain.Bucket) []any {
	return append([]any{b.Year, b.Month}, append(keyArgs(b.Key), string(b.SequenceType))...)
}

// SequenceRepository handles sequence counter persistence
type SequenceRepository struct {
	db *database.DB
}

// NewSequenceRepository creates a new sequence repository
func NewSequenceRepository(db *database.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// GetOrCreate returns the bucket's counter, creating an ACTIVE one at zero on first use.
func (r *SequenceRepository) GetOrCreate(ctx context.Context, bucket domain.Bucket) (*domain.SequenceCounter, error) {
	insert := `
		INSERT INTO sequence_counters (
			id, year, month, funding_source, medicine_type, active_ingredient, producer,
			package_type, sequence_type
		) VALUES ($9, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT sequence_counters_bucket DO NOTHING
	`

	args := append(bucketArgs(bucket), uuid.New().String())
	if _, err := r.db.Querier(ctx).ExecContext(ctx, insert, args...); err != nil {
		return nil, err
	}

	return r.Get(ctx, bucket)
}

// Get gets the counter of a bucket
func (r *SequenceRepository) Get(ctx context.Context, bucket domain.Bucket) (*domain.SequenceCounter, error) {
	var counter domain.SequenceCounter
	query := `SELECT * FROM sequence_counters WHERE ` + bucketPredicate
	if err := r.db.Querier(ctx).GetContext(ctx, &counter, query, bucketArgs(bucket)...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("sequence counter")
		}
		return nil, err
	}
	return &counter, nil
}

// ListByPeriod lists every counter of a year-month
func (r *SequenceRepository) ListByPeriod(ctx context.Context, period domain.Period) ([]*domain.SequenceCounter, error) {
	var counters []*domain.SequenceCounter
	query := `
		SELECT * FROM sequence_counters
		WHERE year = $1 AND month = $2
		ORDER BY funding_source, medicine_type, active_ingredient, producer, package_type, sequence_type
	`
	if err := r.db.Querier(ctx).SelectContext(ctx, &counters, query, period.Year, period.Month); err != nil {
		return nil, err
	}
	return counters, nil
}

// CompareAndSwap advances current_value to next if nobody else touched the counter since it
// was read. On success the counter is updated in place.
func (r *SequenceRepository) CompareAndSwap(ctx context.Context, counter *domain.SequenceCounter, next int, at time.Time) (bool, error) {
	query := `
		UPDATE sequence_counters SET
			current_value = $3,
			total_issued = total_issued + 1,
			last_issued_at = $4,
			updated_at = $4,
			version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'ACTIVE' AND current_value < $3
	`

	result, err := r.db.Querier(ctx).ExecContext(ctx, query, counter.ID, counter.Version, next, at)
	if err != nil {
		return false, err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	counter.CurrentValue = next
	counter.TotalIssued++
	counter.LastIssuedAt = &at
	counter.UpdatedAt = at
	counter.Version++
	return true, nil
}

// MarkExhausted flips an ACTIVE counter to EXHAUSTED if its version still matches.
func (r *SequenceRepository) MarkExhausted(ctx context.Context, counter *domain.SequenceCounter, at time.Time) (bool, error) {
	query := `
		UPDATE sequence_counters SET
			status = 'EXHAUSTED',
			updated_at = $3,
			version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'ACTIVE'
	`

	result, err := r.db.Querier(ctx).ExecContext(ctx, query, counter.ID, counter.Version, at)
	if err != nil {
		return false, err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	counter.Status = domain.CounterExhausted
	counter.UpdatedAt = at
	counter.Version++
	return true, nil
}
