package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/database"
)

// ScanLogRepository handles the append-only scan audit trail
type ScanLogRepository struct {
	db *database.DB
}

// NewScanLogRepository creates a new scan log repository
func NewScanLogRepository(db *database.DB) *ScanLogRepository {
	return &ScanLogRepository{db: db}
}

// Append records one scan attempt
func (r *ScanLogRepository) Append(ctx context.Context, entry *domain.ScanLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO scan_logs (
			id, code_id, code_string, batch_reference, scanned_by, scanned_at,
			purpose, outcome, message, location, device_info, stock_delta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		entry.ID, entry.CodeID, entry.CodeString, entry.BatchReference, entry.ScannedBy,
		entry.ScannedAt, entry.Purpose, entry.Outcome, entry.Message, entry.Location,
		entry.DeviceInfo, entry.StockDelta,
	)
	return err
}

// ListByBatch lists scans of a batch, oldest first
func (r *ScanLogRepository) ListByBatch(ctx context.Context, batchRef string) ([]*domain.ScanLogEntry, error) {
	var entries []*domain.ScanLogEntry
	query := `SELECT * FROM scan_logs WHERE batch_reference = $1 ORDER BY scanned_at, id`
	if err := r.db.Querier(ctx).SelectContext(ctx, &entries, query, batchRef); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListByCode lists scans of a code string, including attempts that never resolved to a code
func (r *ScanLogRepository) ListByCode(ctx context.Context, codeString string) ([]*domain.ScanLogEntry, error) {
	var entries []*domain.ScanLogEntry
	query := `SELECT * FROM scan_logs WHERE code_string = $1 ORDER BY scanned_at, id`
	if err := r.db.Querier(ctx).SelectContext(ctx, &entries, query, codeString); err != nil {
		return nil, err
	}
	return entries, nil
}
