package service

import (
	"context"
	"testing"
	"time"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/inventory"
	"github.com/medflow/medcode/internal/codes/repository"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/stretchr/testify/require"
)

var july2025 = time.Date(2025, 7, 15, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return july2025 }

var testNames = &domain.MasterNames{
	FundingSource:    "Government",
	MedicineType:     "Feed additive",
	ActiveIngredient: "Amprolium",
	Producer:         "Bayer",
}

type testEnv struct {
	mem       *repository.Memory
	ledger    *inventory.Ledger
	registry  *Registry
	allocator *Allocator
	generator *Generator
	scanner   *ScanProcessor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithUoW(t, nil)
}

// newTestEnvWithUoW builds the services on a memory store. A nil uow uses the store itself.
func newTestEnvWithUoW(t *testing.T, wrap func(*repository.Memory) UnitOfWork) *testEnv {
	t.Helper()

	mem := repository.NewMemory()
	ledger := inventory.NewLedger()
	log := logger.Nop()

	registry := NewRegistry(mem.Masters(), 16, time.Minute, log)
	registry.now = fixedClock

	allocator := newTestAllocator(mem.Sequences(), WithAllocatorClock(fixedClock))
	generator := NewGenerator(registry, allocator, mem.Codes(), nil, nil, domain.SequenceNumeric, log).WithClock(fixedClock)

	var uow UnitOfWork = mem
	if wrap != nil {
		uow = wrap(mem)
	}
	scanner := NewScanProcessor(uow, mem.Codes(), mem.ScanLogs(), ledger, nil, nil, log).WithClock(fixedClock)

	return &testEnv{mem: mem, ledger: ledger, registry: registry, allocator: allocator, generator: generator, scanner: scanner}
}

// generate mints count individual codes for testKey in July 2025.
func (e *testEnv) generate(t *testing.T, batchRef string, count int) []*domain.Code {
	t.Helper()
	res, err := e.generator.GenerateIndividual(context.Background(), GenerateIndividualRequest{
		Key:            testKey,
		BatchReference: batchRef,
		Count:          count,
		Names:          testNames,
		IssuedBy:       "pharmacist-1",
	})
	require.NoError(t, err)
	require.Equal(t, count, res.Generated)
	return res.Codes
}

func (e *testEnv) scan(t *testing.T, code string, purpose domain.ScanPurpose) *ScanResult {
	t.Helper()
	res, err := e.scanner.Scan(context.Background(), ScanRequest{CodeString: code, Purpose: purpose, ScannedBy: "nurse-1"})
	require.NoError(t, err)
	require.NotNil(t, res.LogEntry)
	return res
}

func (e *testEnv) state(t *testing.T, code string) domain.CodeState {
	t.Helper()
	c, err := e.scanner.GetCode(context.Background(), code)
	require.NoError(t, err)
	return c.State
}
