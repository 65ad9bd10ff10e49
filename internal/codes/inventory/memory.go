package inventory

import (
	"context"
	"sort"
	"sync"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/errors"
)

// Ledger is an in-process stock ledger for development, codectl and tests.
type Ledger struct {
	mu      sync.Mutex
	batches map[string]*domain.BatchSnapshot
	history []domain.StockAdjustment
	failing error
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{batches: make(map[string]*domain.BatchSnapshot)}
}

// SetBatch creates or replaces a batch
func (l *Ledger) SetBatch(batchRef string, available, unitSize int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if unitSize <= 0 {
		unitSize = 1
	}
	l.batches[batchRef] = &domain.BatchSnapshot{BatchReference: batchRef, AvailableQuantity: available, UnitSize: unitSize}
}

// FailAdjustments makes every later AdjustStock call fail with err. A nil err clears it.
func (l *Ledger) FailAdjustments(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = err
}

// GetBatch returns a copy of the batch snapshot
func (l *Ledger) GetBatch(_ context.Context, batchRef string) (*domain.BatchSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.batches[batchRef]
	if !ok {
		return nil, errors.NotFound("inventory batch " + batchRef)
	}
	cp := *b
	return &cp, nil
}

// AdjustStock applies a signed delta, refusing to go below zero
func (l *Ledger) AdjustStock(_ context.Context, adj *domain.StockAdjustment) (*domain.BatchSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failing != nil {
		return nil, l.failing
	}
	b, ok := l.batches[adj.BatchReference]
	if !ok {
		return nil, errors.NotFound("inventory batch " + adj.BatchReference)
	}
	if b.AvailableQuantity+adj.Delta < 0 {
		return nil, errors.InsufficientStock(adj.BatchReference, b.AvailableQuantity, -adj.Delta)
	}

	b.AvailableQuantity += adj.Delta
	l.history = append(l.history, *adj)

	cp := *b
	return &cp, nil
}

// Adjustments returns every applied adjustment in order
func (l *Ledger) Adjustments() []domain.StockAdjustment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.StockAdjustment(nil), l.history...)
}

// Batches lists every batch sorted by reference
func (l *Ledger) Batches() []domain.BatchSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.BatchSnapshot, 0, len(l.batches))
	for _, b := range l.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchReference < out[j].BatchReference })
	return out
}
