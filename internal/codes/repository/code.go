package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/database"
	"github.com/medflow/medcode/pkg/errors"
)

// CodeRepository handles code persistence
type CodeRepository struct {
	db *database.DB
}

// NewCodeRepository creates a new code repository
func NewCodeRepository(db *database.DB) *CodeRepository {
	return &CodeRepository{db: db}
}

// Create inserts a generated code
func (r *CodeRepository) Create(ctx context.Context, code *domain.Code) error {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}

	query := `
		INSERT INTO codes (
			id, code_string, is_bulk_package, funding_source, medicine_type, active_ingredient,
			producer, package_type, year, month, sequence_value, sequence_type, unit_quantity,
			batch_reference, state, generated_at, generated_by, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $16)
	`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		code.ID, code.CodeString, code.IsBulkPackage, code.FundingSource, code.MedicineType,
		code.ActiveIngredient, code.Producer, code.PackageType, code.Year, code.Month,
		code.SequenceValue, code.SequenceType, code.UnitQuantity, code.BatchReference,
		code.State, code.GeneratedAt, code.GeneratedBy,
	)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	code.UpdatedAt = code.GeneratedAt
	return nil
}

// GetByCodeString gets a code by its printed value
func (r *CodeRepository) GetByCodeString(ctx context.Context, codeString string) (*domain.Code, error) {
	return r.get(ctx, `SELECT * FROM codes WHERE code_string = $1`, codeString)
}

// GetForUpdate gets a code and holds its row lock until the ambient transaction ends.
func (r *CodeRepository) GetForUpdate(ctx context.Context, codeString string) (*domain.Code, error) {
	return r.get(ctx, `SELECT * FROM codes WHERE code_string = $1 FOR UPDATE`, codeString)
}

func (r *CodeRepository) get(ctx context.Context, query, codeString string) (*domain.Code, error) {
	var code domain.Code
	if err := r.db.Querier(ctx).GetContext(ctx, &code, query, codeString); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.CodeNotFound(codeString)
		}
		return nil, err
	}
	return &code, nil
}

// Update writes the mutable lifecycle columns of a code
func (r *CodeRepository) Update(ctx context.Context, code *domain.Code) error {
	query := `
		UPDATE codes SET
			state = $2, scan_count = $3, last_scanned_at = $4, last_scanned_by = $5,
			printed_at = $6, printed_by = $7, distributed_at = $8, distributed_by = $9,
			updated_at = $10
		WHERE id = $1
	`

	result, err := r.db.Querier(ctx).ExecContext(ctx, query,
		code.ID, code.State, code.ScanCount, code.LastScannedAt, code.LastScannedBy,
		code.PrintedAt, code.PrintedBy, code.DistributedAt, code.DistributedBy, code.UpdatedAt,
	)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.CodeNotFound(code.CodeString)
	}

	return nil
}

// ListByBatch lists the codes minted for a batch
func (r *CodeRepository) ListByBatch(ctx context.Context, batchRef string) ([]*domain.Code, error) {
	var codes []*domain.Code
	query := `SELECT * FROM codes WHERE batch_reference = $1 ORDER BY code_string`
	if err := r.db.Querier(ctx).SelectContext(ctx, &codes, query, batchRef); err != nil {
		return nil, err
	}
	return codes, nil
}
