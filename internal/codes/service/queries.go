package service

import (
	"context"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/pkg/errors"
)

// ValidateFormat reports every positional problem of a candidate code. It never touches storage.
func (p *ScanProcessor) ValidateFormat(codeString string) format.ValidationResult {
	return format.Validate(codeString)
}

// GetCode returns a code by its string
func (p *ScanProcessor) GetCode(ctx context.Context, codeString string) (*domain.Code, error) {
	if _, err := format.Decode(codeString); err != nil {
		return nil, err
	}
	return p.codes.GetByCodeString(ctx, codeString)
}

// GetCodeHistory returns the scan log of one code, oldest first
func (p *ScanProcessor) GetCodeHistory(ctx context.Context, codeString string) ([]*domain.ScanLogEntry, error) {
	if _, err := format.Decode(codeString); err != nil {
		return nil, err
	}
	return p.scans.ListByCode(ctx, codeString)
}

// GetCodesForBatch lists the codes minted for a batch
func (p *ScanProcessor) GetCodesForBatch(ctx context.Context, batchRef string) ([]*domain.Code, error) {
	if batchRef == "" {
		return nil, errors.Validation(map[string]string{"batch_reference": "is required"})
	}
	return p.codes.ListByBatch(ctx, batchRef)
}

// GetScanHistory lists the scan log of a batch, oldest first
func (p *ScanProcessor) GetScanHistory(ctx context.Context, batchRef string) ([]*domain.ScanLogEntry, error) {
	if batchRef == "" {
		return nil, errors.Validation(map[string]string{"batch_reference": "is required"})
	}
	return p.scans.ListByBatch(ctx, batchRef)
}

// GetBatchSummary counts the codes of a batch per state
func (p *ScanProcessor) GetBatchSummary(ctx context.Context, batchRef string) (*domain.BatchSummary, error) {
	codes, err := p.GetCodesForBatch(ctx, batchRef)
	if err != nil {
		return nil, err
	}
	scans, err := p.scans.ListByBatch(ctx, batchRef)
	if err != nil {
		return nil, err
	}

	summary := &domain.BatchSummary{
		BatchReference: batchRef,
		Total:          len(codes),
		ByState:        make(map[domain.CodeState]int),
		Scans:          len(scans),
	}
	for _, c := range codes {
		summary.ByState[c.State]++
	}
	return summary, nil
}
