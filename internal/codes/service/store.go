package service

import (
	"context"
	"time"

	"github.com/medflow/medcode/internal/codes/domain"
)

// MasterStore persists master registry entries.
type MasterStore interface {
	Create(ctx context.Context, entry *domain.MasterEntry) error
	GetByKey(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error)
	List(ctx context.Context, filter domain.MasterFilter) ([]*domain.MasterEntry, error)
	SetActive(ctx context.Context, key domain.ClassificationKey, active bool, at time.Time) (*domain.MasterEntry, error)
}

// SequenceStore persists sequence counters. CompareAndSwap and MarkExhausted only apply
// when the stored version still matches counter.Version and report false otherwise.
type SequenceStore interface {
	GetOrCreate(ctx context.Context, bucket domain.Bucket) (*domain.SequenceCounter, error)
	Get(ctx context.Context, bucket domain.Bucket) (*domain.SequenceCounter, error)
	ListByPeriod(ctx context.Context, period domain.Period) ([]*domain.SequenceCounter, error)
	CompareAndSwap(ctx context.Context, counter *domain.SequenceCounter, next int, at time.Time) (bool, error)
	MarkExhausted(ctx context.Context, counter *domain.SequenceCounter, at time.Time) (bool, error)
}

// CodeStore persists generated codes.
type CodeStore interface {
	Create(ctx context.Context, code *domain.Code) error
	GetByCodeString(ctx context.Context, codeString string) (*domain.Code, error)
	// GetForUpdate reads a code and locks it until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, codeString string) (*domain.Code, error)
	Update(ctx context.Context, code *domain.Code) error
	ListByBatch(ctx context.Context, batchRef string) ([]*domain.Code, error)
}

// ScanLogStore is the append-only scan audit trail.
type ScanLogStore interface {
	Append(ctx context.Context, entry *domain.ScanLogEntry) error
	ListByBatch(ctx context.Context, batchRef string) ([]*domain.ScanLogEntry, error)
	ListByCode(ctx context.Context, codeString string) ([]*domain.ScanLogEntry, error)
}

// UnitOfWork runs fn atomically: every store call made with the context passed to fn
// commits or rolls back together.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Inventory is the external stock collaborator.
type Inventory interface {
	GetBatch(ctx context.Context, batchRef string) (*domain.BatchSnapshot, error)
	AdjustStock(ctx context.Context, adj *domain.StockAdjustment) (*domain.BatchSnapshot, error)
}

// Locker takes a cross-process lock on a key.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Clock abstracts time for period defaults and timestamps.
type Clock func() time.Time

// EventPublisher announces code activity. Implementations log broker failures instead of
// returning them; a nil EventPublisher is never called.
type EventPublisher interface {
	CodesGenerated(ctx context.Context, res *GenerationResult, generatedBy string)
	CodeScanned(ctx context.Context, res *ScanResult)
	CodeStateChanged(ctx context.Context, code *domain.Code, from domain.CodeState, actor string)
}
