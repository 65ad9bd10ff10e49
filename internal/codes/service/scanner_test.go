package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/repository"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCodes counts lookups made through the code store.
type countingCodes struct {
	CodeStore
	mu      sync.Mutex
	lookups int
}

func (c *countingCodes) GetForUpdate(ctx context.Context, codeString string) (*domain.Code, error) {
	c.mu.Lock()
	c.lookups++
	c.mu.Unlock()
	return c.CodeStore.GetForUpdate(ctx, codeString)
}

type recordingEvents struct {
	mu      sync.Mutex
	scanned []*ScanResult
	changed []domain.CodeState
}

func (r *recordingEvents) CodesGenerated(context.Context, *GenerationResult, string) {}

func (r *recordingEvents) CodeScanned(_ context.Context, res *ScanResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanned = append(r.scanned, res)
}

func (r *recordingEvents) CodeStateChanged(_ context.Context, code *domain.Code, from domain.CodeState, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, from, code.State)
}

func TestScan_InvalidFormatSkipsLookup(t *testing.T) {
	env := newTestEnv(t)
	codes := &countingCodes{CodeStore: env.mem.Codes()}
	scanner := NewScanProcessor(env.mem, codes, env.mem.ScanLogs(), env.ledger, nil, nil, logger.Nop())

	res, err := scanner.Scan(context.Background(), ScanRequest{
		CodeString: "25071X111B0001",
		Purpose:    domain.PurposeDistribution,
		ScannedBy:  "nurse-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeInvalidFormat, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrMalformedCode))
	assert.Nil(t, res.LogEntry.CodeID)
	require.NotNil(t, res.LogEntry.Message)
	assert.Equal(t, 0, codes.lookups)

	history, err := scanner.GetCodeHistory(context.Background(), "25071F111B0001")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestScan_OverlongInputIsClippedInTheLog(t *testing.T) {
	env := newTestEnv(t)
	misread := strings.Repeat("7", 300)
	location := strings.Repeat("L", 400)

	res, err := env.scanner.Scan(context.Background(), ScanRequest{
		CodeString: misread,
		Purpose:    domain.PurposeAudit,
		Location:   &location,
		ScannedBy:  "nurse-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInvalidFormat, res.Outcome)

	entry := res.LogEntry
	require.NotNil(t, entry)
	assert.Equal(t, misread[:maxLoggedInput], entry.CodeString)
	require.NotNil(t, entry.Location)
	assert.Len(t, *entry.Location, maxLoggedInput)
	require.NotNil(t, entry.Message)
	assert.Contains(t, *entry.Message, "truncated from 300 characters")
}

func TestScan_NotFoundIsLogged(t *testing.T) {
	env := newTestEnv(t)

	res := env.scan(t, "25071F111B0042", domain.PurposeVerification)
	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeNotFound, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrCodeNotFound))
	assert.Nil(t, res.Code)
	assert.Nil(t, res.LogEntry.BatchReference)

	history, err := env.scanner.GetCodeHistory(context.Background(), "25071F111B0042")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.OutcomeNotFound, history[0].Outcome)
}

func TestScan_RejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.scanner.Scan(ctx, ScanRequest{CodeString: "25071F111B0001", Purpose: "RECALL", ScannedBy: "nurse-1"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = env.scanner.Scan(ctx, ScanRequest{CodeString: "25071F111B0001", Purpose: domain.PurposeAudit})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	history, err := env.scanner.GetCodeHistory(ctx, "25071F111B0001")
	require.NoError(t, err)
	assert.Empty(t, history, "rejected requests leave no trace")

	assert.True(t, IsKnownPurpose(domain.PurposeInventoryCheck))
	assert.False(t, IsKnownPurpose("RECALL"))
}

func TestScan_InsufficientStockRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.generator.GenerateBulk(ctx, GenerateBulkRequest{
		Key: testKey, BatchReference: "batch-2", TotalQuantity: 40, BulkPackageSize: 20,
		PackageType: "K", Names: testNames, IssuedBy: "pharmacist-1",
	})
	require.NoError(t, err)
	code := res.Codes[0].CodeString
	env.ledger.SetBatch("batch-2", 10, 20)

	scan := env.scan(t, code, domain.PurposeDistribution)
	assert.False(t, scan.Success)
	assert.Equal(t, domain.OutcomeError, scan.Outcome)
	assert.True(t, errors.Is(scan.Err, errors.ErrInsufficientStock))
	assert.Equal(t, 0, scan.LogEntry.StockDelta)
	require.NotNil(t, scan.LogEntry.CodeID)

	stored, err := env.scanner.GetCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, domain.StateGenerated, stored.State)
	assert.Equal(t, 0, stored.ScanCount)
	assert.Empty(t, env.ledger.Adjustments())
}

func TestScan_AdjustFailureLeavesOneErrorEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code := env.generate(t, "batch-1", 1)[0].CodeString
	env.ledger.SetBatch("batch-1", 5, 1)
	env.ledger.FailAdjustments(errors.Internal("ledger offline"))

	res := env.scan(t, code, domain.PurposeDistribution)
	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrInternal))
	assert.Equal(t, domain.StateGenerated, env.state(t, code))

	history, err := env.scanner.GetCodeHistory(ctx, code)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.OutcomeError, history[0].Outcome)
	assert.Equal(t, 0, history[0].StockDelta)

	batch, err := env.ledger.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 5, batch.AvailableQuantity)
}

func TestScan_CommitFailureCompensatesStock(t *testing.T) {
	commitErr := errors.Internal("commit failed")
	env := newTestEnvWithUoW(t, func(mem *repository.Memory) UnitOfWork {
		return failingCommit{mem: mem, err: commitErr}
	})
	ctx := context.Background()

	code := env.generate(t, "batch-1", 1)[0].CodeString
	env.ledger.SetBatch("batch-1", 3, 1)

	res := env.scan(t, code, domain.PurposeDistribution)
	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrInternal))
	assert.Equal(t, domain.StateGenerated, env.state(t, code))

	batch, err := env.ledger.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 3, batch.AvailableQuantity)

	adjustments := env.ledger.Adjustments()
	require.Len(t, adjustments, 2)
	assert.Equal(t, -1, adjustments[0].Delta)
	assert.Equal(t, 1, adjustments[1].Delta)
	assert.True(t, strings.HasPrefix(adjustments[1].Reason, "compensation"))

	history, err := env.scanner.GetCodeHistory(ctx, code)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.OutcomeError, history[0].Outcome)
}

// failingCommit runs the unit of work and then reports a commit failure, rolling it back.
type failingCommit struct {
	mem *repository.Memory
	err error
}

func (f failingCommit) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f.mem.RunInTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return f.err
	})
}

func TestScan_Receipt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	codes := env.generate(t, "batch-1", 2)
	code := codes[0].CodeString

	res := env.scan(t, code, domain.PurposeReceipt)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrInvalidStateTransition))

	_, err := env.scanner.MarkPrinted(ctx, code, "printer-1")
	require.NoError(t, err)
	_, err = env.scanner.MarkDistributed(ctx, code, "courier-1")
	require.NoError(t, err)

	res = env.scan(t, code, domain.PurposeReceipt)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StateScanned, res.Code.State)

	res = env.scan(t, code, domain.PurposeReceipt)
	assert.True(t, res.Success)
	assert.Equal(t, "receipt already confirmed", res.Message)
	assert.Equal(t, domain.StateScanned, res.Code.State)
	assert.Equal(t, 2, res.Code.ScanCount)

	env.ledger.SetBatch("batch-1", 1, 1)
	res = env.scan(t, code, domain.PurposeDistribution)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StateUsed, res.Code.State)
}

func TestScan_NonStockPurposes(t *testing.T) {
	env := newTestEnv(t)
	code := env.generate(t, "unknown-batch", 1)[0].CodeString

	res := env.scan(t, code, domain.PurposeAudit)
	assert.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Message, "batch unresolved"))
	assert.Nil(t, res.Batch)

	res = env.scan(t, code, domain.PurposeVerification)
	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrNotFound))

	env.ledger.SetBatch("unknown-batch", 7, 1)
	res = env.scan(t, code, domain.PurposeInventoryCheck)
	assert.True(t, res.Success)
	require.NotNil(t, res.Batch)
	assert.Equal(t, 7, res.Batch.AvailableQuantity)
	assert.Nil(t, res.SideEffect)
	assert.Equal(t, domain.StateGenerated, res.Code.State)
	assert.Empty(t, env.ledger.Adjustments())
}

func TestScan_TerminalCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	codes := env.generate(t, "batch-1", 2)
	env.ledger.SetBatch("batch-1", 10, 1)

	_, err := env.scanner.Expire(ctx, codes[0].CodeString, "pharmacist-1")
	require.NoError(t, err)
	res := env.scan(t, codes[0].CodeString, domain.PurposeDistribution)
	assert.Equal(t, domain.OutcomeExpired, res.Outcome)
	assert.NotEmpty(t, res.Message)

	_, err = env.scanner.Invalidate(ctx, codes[1].CodeString, "pharmacist-1")
	require.NoError(t, err)
	res = env.scan(t, codes[1].CodeString, domain.PurposeDistribution)
	assert.Equal(t, domain.OutcomeAlreadyUsed, res.Outcome)

	// non stock-affecting purposes still work on terminal codes
	res = env.scan(t, codes[1].CodeString, domain.PurposeVerification)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StateInvalid, res.Code.State)

	assert.Empty(t, env.ledger.Adjustments())
}

func TestScan_ConcurrentDistributionSucceedsOnce(t *testing.T) {
	env := newTestEnv(t)
	code := env.generate(t, "batch-1", 1)[0].CodeString
	env.ledger.SetBatch("batch-1", 100, 1)

	const workers = 12
	results := make([]*ScanResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.scanner.Scan(context.Background(), ScanRequest{
				CodeString: code,
				Purpose:    domain.PurposeDistribution,
				ScannedBy:  "nurse-1",
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Success {
			successes++
		} else {
			assert.Equal(t, domain.OutcomeAlreadyUsed, results[i].Outcome)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Len(t, env.ledger.Adjustments(), 1)

	history, err := env.scanner.GetCodeHistory(context.Background(), code)
	require.NoError(t, err)
	assert.Len(t, history, workers)
}

func TestScan_PublishesEventsForKnownCodes(t *testing.T) {
	env := newTestEnv(t)
	events := &recordingEvents{}
	scanner := NewScanProcessor(env.mem, env.mem.Codes(), env.mem.ScanLogs(), env.ledger, events, nil, logger.Nop()).
		WithClock(fixedClock)
	ctx := context.Background()

	code := env.generate(t, "batch-1", 1)[0].CodeString
	env.ledger.SetBatch("batch-1", 1, 1)

	_, err := scanner.Scan(ctx, ScanRequest{CodeString: "25071F111B0099", Purpose: domain.PurposeAudit, ScannedBy: "nurse-1"})
	require.NoError(t, err)
	_, err = scanner.Scan(ctx, ScanRequest{CodeString: code, Purpose: domain.PurposeDistribution, ScannedBy: "nurse-1"})
	require.NoError(t, err)
	_, err = scanner.MarkPrinted(ctx, code, "printer-1")
	require.Error(t, err)

	require.Len(t, events.scanned, 1)
	assert.Equal(t, domain.OutcomeSuccess, events.scanned[0].Outcome)
	assert.Empty(t, events.changed)
}

func TestLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	events := &recordingEvents{}
	scanner := NewScanProcessor(env.mem, env.mem.Codes(), env.mem.ScanLogs(), env.ledger, events, nil, logger.Nop()).
		WithClock(fixedClock)
	ctx := context.Background()

	code := env.generate(t, "batch-1", 1)[0].CodeString

	_, err := scanner.MarkDistributed(ctx, code, "courier-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidStateTransition))

	printed, err := scanner.MarkPrinted(ctx, code, "printer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePrinted, printed.State)
	require.NotNil(t, printed.PrintedBy)
	assert.Equal(t, "printer-1", *printed.PrintedBy)
	assert.Equal(t, july2025, *printed.PrintedAt)

	_, err = scanner.MarkPrinted(ctx, code, "printer-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidStateTransition))

	distributed, err := scanner.MarkDistributed(ctx, code, "courier-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDistributed, distributed.State)
	assert.Equal(t, "courier-1", *distributed.DistributedBy)

	invalid, err := scanner.Invalidate(ctx, code, "pharmacist-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInvalid, invalid.State)

	_, err = scanner.Expire(ctx, code, "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidStateTransition))

	assert.Equal(t, []domain.CodeState{
		domain.StateGenerated, domain.StatePrinted,
		domain.StatePrinted, domain.StateDistributed,
		domain.StateDistributed, domain.StateInvalid,
	}, events.changed)
}

func TestLifecycle_RequestErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.scanner.Expire(ctx, "25071F111B0001", "")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = env.scanner.Expire(ctx, "not-a-code", "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrMalformedCode))

	_, err = env.scanner.Expire(ctx, "25071F111B0001", "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestExpireBatchAndSummary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	codes := env.generate(t, "batch-1", 3)
	env.generate(t, "batch-other", 1)
	env.ledger.SetBatch("batch-1", 10, 1)

	res := env.scan(t, codes[0].CodeString, domain.PurposeDistribution)
	require.True(t, res.Success)

	_, err := env.scanner.ExpireBatch(ctx, "", "system")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	expired, err := env.scanner.ExpireBatch(ctx, "batch-1", "system")
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	expired, err = env.scanner.ExpireBatch(ctx, "batch-1", "system")
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	summary, err := env.scanner.GetBatchSummary(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Scans)
	assert.Equal(t, map[domain.CodeState]int{domain.StateUsed: 1, domain.StateExpired: 2}, summary.ByState)

	assert.Equal(t, domain.StateGenerated, env.state(t, "25071F111B0004"))

	scans, err := env.scanner.GetScanHistory(ctx, "batch-1")
	require.NoError(t, err)
	assert.Len(t, scans, 1)

	_, err = env.scanner.GetScanHistory(ctx, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestValidateFormat(t *testing.T) {
	env := newTestEnv(t)

	res := env.scanner.ValidateFormat("25071F111B-K0001")
	assert.True(t, res.IsValid)
	require.NotNil(t, res.Components)
	assert.True(t, res.Components.IsBulk)

	res = env.scanner.ValidateFormat("2513")
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.Errors)
}
