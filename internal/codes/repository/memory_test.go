package repository_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/repository"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var julyBucket = domain.Bucket{
	Period:       domain.Period{Year: 25, Month: 7},
	Key:          testKey,
	SequenceType: domain.SequenceNumeric,
}

func TestMemory_RunInTx_UndoesEveryWrite(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	at := time.Date(2025, 7, 15, 10, 0, 0, 0, time.UTC)

	code := &domain.Code{CodeString: "25071F111B0001", ClassificationKey: testKey, State: domain.StateGenerated, UnitQuantity: 1}
	require.NoError(t, mem.Codes().Create(ctx, code))

	boom := stderrors.New("commit refused")
	err := mem.RunInTx(ctx, func(ctx context.Context) error {
		counter, err := mem.Sequences().GetOrCreate(ctx, julyBucket)
		require.NoError(t, err)
		ok, err := mem.Sequences().CompareAndSwap(ctx, counter, 1, at)
		require.NoError(t, err)
		require.True(t, ok)

		used := *code
		used.State = domain.StateUsed
		require.NoError(t, mem.Codes().Update(ctx, &used))
		require.NoError(t, mem.ScanLogs().Append(ctx, &domain.ScanLogEntry{
			CodeString: code.CodeString,
			ScannedBy:  "user-1",
			ScannedAt:  at,
			Purpose:    domain.PurposeDistribution,
			Outcome:    domain.OutcomeSuccess,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := mem.Codes().GetByCodeString(ctx, code.CodeString)
	require.NoError(t, err)
	assert.Equal(t, domain.StateGenerated, stored.State)

	_, err = mem.Sequences().Get(ctx, julyBucket)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	history, err := mem.ScanLogs().ListByCode(ctx, code.CodeString)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemory_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	seqs := repository.NewMemory().Sequences()
	at := time.Now().UTC()

	first, err := seqs.GetOrCreate(ctx, julyBucket)
	require.NoError(t, err)
	stale := *first

	ok, err := seqs.CompareAndSwap(ctx, first, 1, at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), first.Version)

	ok, err = seqs.CompareAndSwap(ctx, &stale, 1, at)
	require.NoError(t, err)
	assert.False(t, ok, "a stale version must not advance the counter")

	ok, err = seqs.MarkExhausted(ctx, first, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = seqs.CompareAndSwap(ctx, first, 2, at)
	require.NoError(t, err)
	assert.False(t, ok, "an exhausted counter never advances")

	counters, err := seqs.ListByPeriod(ctx, julyBucket.Period)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, domain.CounterExhausted, counters[0].Status)
	assert.Equal(t, 1, counters[0].CurrentValue)
	assert.Equal(t, int64(1), counters[0].TotalIssued)
}

func TestMemory_MastersAndCodes(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()

	entry := &domain.MasterEntry{ClassificationKey: testKey, IsActive: true, CreatedBy: "user-1"}
	require.NoError(t, mem.Masters().Create(ctx, entry))
	err := mem.Masters().Create(ctx, &domain.MasterEntry{ClassificationKey: testKey})
	assert.True(t, errors.Is(err, errors.ErrDuplicateClassification))

	at := time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)
	updated, err := mem.Masters().SetActive(ctx, testKey, false, at)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	require.NotNil(t, updated.DeactivatedAt)

	active := true
	entries, err := mem.Masters().List(ctx, domain.MasterFilter{Active: &active})
	require.NoError(t, err)
	assert.Empty(t, entries)

	for _, cs := range []string{"25071F111B0002", "25071F111B0001"} {
		require.NoError(t, mem.Codes().Create(ctx, &domain.Code{CodeString: cs, BatchReference: "B-1", UnitQuantity: 1}))
	}
	err = mem.Codes().Create(ctx, &domain.Code{CodeString: "25071F111B0001", BatchReference: "B-2"})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	codes, err := mem.Codes().ListByBatch(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, "25071F111B0001", codes[0].CodeString)

	// reads are copies
	codes[0].State = domain.StateInvalid
	again, err := mem.Codes().GetByCodeString(ctx, "25071F111B0001")
	require.NoError(t, err)
	assert.NotEqual(t, domain.StateInvalid, again.State)
}
