package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/errors"
)

// Memory is an in-process store for development, codectl and tests. It offers the same
// contracts as the Postgres repositories. RunInTx records an undo entry for every write
// and replays them in reverse when the unit of work fails. Row locks are not emulated:
// callers serialize per code themselves.
type Memory struct {
	mu       sync.RWMutex
	masters  map[domain.ClassificationKey]*domain.MasterEntry
	counters map[domain.Bucket]*domain.SequenceCounter
	codes    map[string]*domain.Code
	scans    []*domain.ScanLogEntry
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		masters:  make(map[domain.ClassificationKey]*domain.MasterEntry),
		counters: make(map[domain.Bucket]*domain.SequenceCounter),
		codes:    make(map[string]*domain.Code),
	}
}

type memTxKey struct{}

type memTx struct {
	undo []func()
}

// RunInTx runs fn as one unit of work. Nested calls join the outer unit.
func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// record registers an undo step; m.mu must be held.
func (m *Memory) record(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// Masters returns the master registry view of the store
func (m *Memory) Masters() *MemoryMasters { return &MemoryMasters{m} }

// Sequences returns the sequence counter view of the store
func (m *Memory) Sequences() *MemorySequences { return &MemorySequences{m} }

// Codes returns the code view of the store
func (m *Memory) Codes() *MemoryCodes { return &MemoryCodes{m} }

// ScanLogs returns the scan log view of the store
func (m *Memory) ScanLogs() *MemoryScanLogs { return &MemoryScanLogs{m} }

// MemoryMasters implements the master store on Memory
type MemoryMasters struct{ m *Memory }

func (s *MemoryMasters) Create(ctx context.Context, entry *domain.MasterEntry) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.masters[entry.ClassificationKey]; ok {
		return errors.DuplicateClassification(entry.ClassificationKey.String())
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now

	stored := *entry
	m.masters[entry.ClassificationKey] = &stored
	m.record(ctx, func() { delete(m.masters, stored.ClassificationKey) })
	return nil
}

func (s *MemoryMasters) GetByKey(_ context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	entry, ok := s.m.masters[key]
	if !ok {
		return nil, errors.MasterNotFound(key.String())
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryMasters) List(_ context.Context, filter domain.MasterFilter) ([]*domain.MasterEntry, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	entries := make([]*domain.MasterEntry, 0, len(s.m.masters))
	for _, entry := range s.m.masters {
		if filter.Active != nil && entry.IsActive != *filter.Active {
			continue
		}
		cp := *entry
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ClassificationKey.String() < entries[j].ClassificationKey.String()
	})
	return entries, nil
}

func (s *MemoryMasters) SetActive(ctx context.Context, key domain.ClassificationKey, active bool, at time.Time) (*domain.MasterEntry, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.masters[key]
	if !ok {
		return nil, errors.MasterNotFound(key.String())
	}
	prev := *entry

	entry.IsActive = active
	entry.UpdatedAt = at
	if active {
		entry.DeactivatedAt = nil
	} else {
		entry.DeactivatedAt = &at
	}
	m.record(ctx, func() { *entry = prev })

	cp := *entry
	return &cp, nil
}

// MemorySequences implements the sequence store on Memory
type MemorySequences struct{ m *Memory }

func (s *MemorySequences) GetOrCreate(ctx context.Context, bucket domain.Bucket) (*domain.SequenceCounter, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	counter, ok := m.counters[bucket]
	if !ok {
		now := time.Now().UTC()
		counter = &domain.SequenceCounter{
			ID:                uuid.New().String(),
			Year:              bucket.Year,
			Month:             bucket.Month,
			ClassificationKey: bucket.Key,
			SequenceType:      bucket.SequenceType,
			Status:            domain.CounterActive,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		m.counters[bucket] = counter
		m.record(ctx, func() { delete(m.counters, bucket) })
	}

	cp := *counter
	return &cp, nil
}

func (s *MemorySequences) Get(_ context.Context, bucket domain.Bucket) (*domain.SequenceCounter, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	counter, ok := s.m.counters[bucket]
	if !ok {
		return nil, errors.NotFound("sequence counter")
	}
	cp := *counter
	return &cp, nil
}

func (s *MemorySequences) ListByPeriod(_ context.Context, period domain.Period) ([]*domain.SequenceCounter, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	counters := make([]*domain.SequenceCounter, 0)
	for bucket, counter := range s.m.counters {
		if bucket.Period != period {
			continue
		}
		cp := *counter
		counters = append(counters, &cp)
	}
	sort.Slice(counters, func(i, j int) bool {
		return counters[i].Bucket().String() < counters[j].Bucket().String()
	})
	return counters, nil
}

func (s *MemorySequences) CompareAndSwap(ctx context.Context, counter *domain.SequenceCounter, next int, at time.Time) (bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.counters[counter.Bucket()]
	if !ok || stored.Version != counter.Version || stored.Status != domain.CounterActive || stored.CurrentValue >= next {
		return false, nil
	}
	prev := *stored

	stored.CurrentValue = next
	stored.TotalIssued++
	stored.LastIssuedAt = &at
	stored.UpdatedAt = at
	stored.Version++
	m.record(ctx, func() { *stored = prev })

	*counter = *stored
	return true, nil
}

func (s *MemorySequences) MarkExhausted(ctx context.Context, counter *domain.SequenceCounter, at time.Time) (bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.counters[counter.Bucket()]
	if !ok || stored.Version != counter.Version || stored.Status != domain.CounterActive {
		return false, nil
	}
	prev := *stored

	stored.Status = domain.CounterExhausted
	stored.UpdatedAt = at
	stored.Version++
	m.record(ctx, func() { *stored = prev })

	*counter = *stored
	return true, nil
}

// MemoryCodes implements the code store on Memory
type MemoryCodes struct{ m *Memory }

func (s *MemoryCodes) Create(ctx context.Context, code *domain.Code) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[code.CodeString]; ok {
		return errors.Conflict("a code with this value already exists")
	}
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	code.UpdatedAt = code.GeneratedAt

	stored := *code
	m.codes[code.CodeString] = &stored
	m.record(ctx, func() { delete(m.codes, stored.CodeString) })
	return nil
}

func (s *MemoryCodes) GetByCodeString(_ context.Context, codeString string) (*domain.Code, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	code, ok := s.m.codes[codeString]
	if !ok {
		return nil, errors.CodeNotFound(codeString)
	}
	cp := *code
	return &cp, nil
}

func (s *MemoryCodes) GetForUpdate(ctx context.Context, codeString string) (*domain.Code, error) {
	return s.GetByCodeString(ctx, codeString)
}

func (s *MemoryCodes) Update(ctx context.Context, code *domain.Code) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.codes[code.CodeString]
	if !ok || stored.ID != code.ID {
		return errors.CodeNotFound(code.CodeString)
	}
	prev := *stored
	*stored = *code
	m.record(ctx, func() { *stored = prev })
	return nil
}

func (s *MemoryCodes) ListByBatch(_ context.Context, batchRef string) ([]*domain.Code, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	codes := make([]*domain.Code, 0)
	for _, code := range s.m.codes {
		if code.BatchReference != batchRef {
			continue
		}
		cp := *code
		codes = append(codes, &cp)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].CodeString < codes[j].CodeString })
	return codes, nil
}

// MemoryScanLogs implements the scan log store on Memory
type MemoryScanLogs struct{ m *Memory }

func (s *MemoryScanLogs) Append(ctx context.Context, entry *domain.ScanLogEntry) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	stored := *entry
	m.scans = append(m.scans, &stored)
	m.record(ctx, func() {
		for i := len(m.scans) - 1; i >= 0; i-- {
			if m.scans[i].ID == stored.ID {
				m.scans = append(m.scans[:i], m.scans[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *MemoryScanLogs) ListByBatch(_ context.Context, batchRef string) ([]*domain.ScanLogEntry, error) {
	return s.filter(func(e *domain.ScanLogEntry) bool {
		return e.BatchReference != nil && *e.BatchReference == batchRef
	}), nil
}

func (s *MemoryScanLogs) ListByCode(_ context.Context, codeString string) ([]*domain.ScanLogEntry, error) {
	return s.filter(func(e *domain.ScanLogEntry) bool { return e.CodeString == codeString }), nil
}

func (s *MemoryScanLogs) filter(keep func(*domain.ScanLogEntry) bool) []*domain.ScanLogEntry {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	entries := make([]*domain.ScanLogEntry, 0)
	for _, e := range s.m.scans {
		if keep(e) {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	return entries
}
