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

// keyPredicate matches the five classification columns starting at placeholder $1.
const keyPredicate = `funding_source = $1 AND medicine_type = $2 AND active_ingredient = $3
	AND producer = $4 AND package_type = $5`

func keyArgs(k domain.ClassificationKey) []any {
	return []any{k.FundingSource, k.MedicineType, k.ActiveIngredient, k.Producer, k.PackageType}
}

// MasterRepository handles master registry persistence
type MasterRepository struct {
	db *database.DB
}

// NewMasterRepository creates a new master repository
func NewMasterRepository(db *database.DB) *MasterRepository {
	return &MasterRepository{db: db}
}

// Create inserts a master entry. A second entry for the same key fails with DuplicateClassification.
func (r *MasterRepository) Create(ctx context.Context, entry *domain.MasterEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO master_entries (
			id, funding_source, medicine_type, active_ingredient, producer, package_type,
			funding_source_name, medicine_type_name, active_ingredient_name, producer_name,
			package_type_name, is_active, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err := r.db.Querier(ctx).QueryRowxContext(ctx, query,
		entry.ID, entry.FundingSource, entry.MedicineType, entry.ActiveIngredient, entry.Producer,
		entry.PackageType, entry.FundingSourceName, entry.MedicineTypeName, entry.ActiveIngredientName,
		entry.ProducerName, entry.PackageTypeName, entry.IsActive, entry.CreatedBy,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			if errors.Is(appErr, errors.ErrDuplicateClassification) {
				return errors.DuplicateClassification(entry.ClassificationKey.String())
			}
			return appErr
		}
		return err
	}
	return nil
}

// GetByKey gets a master entry by classification key
func (r *MasterRepository) GetByKey(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	var entry domain.MasterEntry
	query := `SELECT * FROM master_entries WHERE ` + keyPredicate
	if err := r.db.Querier(ctx).GetContext(ctx, &entry, query, keyArgs(key)...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.MasterNotFound(key.String())
		}
		return nil, err
	}
	return &entry, nil
}

// List lists master entries, optionally filtered by activation
func (r *MasterRepository) List(ctx context.Context, filter domain.MasterFilter) ([]*domain.MasterEntry, error) {
	var (
		entries []*domain.MasterEntry
		args    []any
	)

	query := `SELECT * FROM master_entries`
	if filter.Active != nil {
		query += ` WHERE is_active = $1`
		args = append(args, *filter.Active)
	}
	query += ` ORDER BY funding_source, medicine_type, active_ingredient, producer, package_type`

	if err := r.db.Querier(ctx).SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// SetActive toggles activation and returns the updated entry.
func (r *MasterRepository) SetActive(ctx context.Context, key domain.ClassificationKey, active bool, at time.Time) (*domain.MasterEntry, error) {
	query := `
		UPDATE master_entries SET
			is_active = $6,
			deactivated_at = CASE WHEN $6 THEN NULL ELSE $7::timestamptz END,
			updated_at = $7
		WHERE ` + keyPredicate + `
		RETURNING *
	`

	args := append(keyArgs(key), active, at)

	var entry domain.MasterEntry
	if err := r.db.Querier(ctx).QueryRowxContext(ctx, query, args...).StructScan(&entry); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.MasterNotFound(key.String())
		}
		return nil, err
	}
	return &entry, nil
}
