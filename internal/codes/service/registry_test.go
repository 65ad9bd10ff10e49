package service

import (
	"context"
	"testing"
	"time"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/repository"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingMasters counts reads that reach the store.
type countingMasters struct {
	MasterStore
	reads int
}

func (c *countingMasters) GetByKey(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	c.reads++
	return c.MasterStore.GetByKey(ctx, key)
}

func newCountingRegistry(t *testing.T) (*Registry, *countingMasters) {
	t.Helper()
	store := &countingMasters{MasterStore: repository.NewMemory().Masters()}
	return NewRegistry(store, 8, time.Minute, logger.Nop()), store
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r, store := newCountingRegistry(t)
	ctx := context.Background()

	entry, err := r.Create(ctx, CreateMasterRequest{Key: testKey, Names: *testNames, CreatedBy: "admin"})
	require.NoError(t, err)
	assert.True(t, entry.IsActive)
	assert.NotEmpty(t, entry.ID)

	_, err = r.Create(ctx, CreateMasterRequest{Key: testKey, Names: *testNames, CreatedBy: "admin"})
	assert.True(t, errors.Is(err, errors.ErrDuplicateClassification))

	for i := 0; i < 3; i++ {
		got, err := r.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, "Amprolium", got.ActiveIngredientName)
	}
	assert.Equal(t, 1, store.reads)
}

func TestRegistry_WritesInvalidateCache(t *testing.T) {
	r, store := newCountingRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, CreateMasterRequest{Key: testKey, Names: *testNames, CreatedBy: "admin"})
	require.NoError(t, err)
	_, err = r.Get(ctx, testKey)
	require.NoError(t, err)

	deactivated, err := r.Deactivate(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	assert.NotNil(t, deactivated.DeactivatedAt)

	got, err := r.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, 2, store.reads)

	_, err = r.Resolve(ctx, testKey, nil, "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrInactiveClassification))

	activated, err := r.Activate(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)
	assert.Nil(t, activated.DeactivatedAt)
}

func TestRegistry_DeactivationOnAnotherReplica(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory().Masters()
	replicaA := NewRegistry(store, 8, time.Minute, logger.Nop())
	replicaB := NewRegistry(store, 8, time.Minute, logger.Nop())

	_, err := replicaA.Create(ctx, CreateMasterRequest{Key: testKey, Names: *testNames, CreatedBy: "admin"})
	require.NoError(t, err)
	_, err = replicaB.Resolve(ctx, testKey, nil, "pharmacist-1")
	require.NoError(t, err)
	cached, err := replicaB.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, cached.IsActive)

	_, err = replicaA.Deactivate(ctx, testKey)
	require.NoError(t, err)

	_, err = replicaA.Resolve(ctx, testKey, nil, "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrInactiveClassification))
	_, err = replicaB.Resolve(ctx, testKey, nil, "pharmacist-2")
	assert.True(t, errors.Is(err, errors.ErrInactiveClassification))
}

func TestRegistry_CachedEntriesExpire(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory().Masters()
	writer := NewRegistry(store, 8, time.Minute, logger.Nop())
	reader := NewRegistry(store, 8, 20*time.Millisecond, logger.Nop())

	_, err := writer.Create(ctx, CreateMasterRequest{Key: testKey, Names: *testNames, CreatedBy: "admin"})
	require.NoError(t, err)
	_, err = reader.Get(ctx, testKey)
	require.NoError(t, err)

	_, err = writer.Deactivate(ctx, testKey)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := reader.Get(ctx, testKey)
		return err == nil && !got.IsActive
	}, time.Second, 10*time.Millisecond)
}

// interleavingMasters runs during after a read reaches the store but before it returns.
type interleavingMasters struct {
	MasterStore
	during func()
}

func (m *interleavingMasters) GetByKey(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	entry, err := m.MasterStore.GetByKey(ctx, key)
	if f := m.during; f != nil {
		m.during = nil
		f()
	}
	return entry, err
}

func TestRegistry_WriteDuringReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := &interleavingMasters{MasterStore: repository.NewMemory().Masters()}
	r := NewRegistry(store, 8, time.Minute, logger.Nop())

	_, err := r.Create(ctx, CreateMasterRequest{Key: testKey, Names: *testNames, CreatedBy: "admin"})
	require.NoError(t, err)

	store.during = func() {
		_, err := r.Deactivate(ctx, testKey)
		require.NoError(t, err)
	}
	stale, err := r.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, stale.IsActive)

	got, err := r.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestRegistry_List(t *testing.T) {
	r, _ := newCountingRegistry(t)
	ctx := context.Background()

	other := testKey
	other.Producer = "Z"
	for _, k := range []domain.ClassificationKey{testKey, other} {
		_, err := r.Create(ctx, CreateMasterRequest{Key: k, Names: *testNames, CreatedBy: "admin"})
		require.NoError(t, err)
	}
	_, err := r.Deactivate(ctx, other)
	require.NoError(t, err)

	all, err := r.List(ctx, domain.MasterFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active := true
	onlyActive, err := r.List(ctx, domain.MasterFilter{Active: &active})
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, testKey, onlyActive[0].ClassificationKey)
}

func TestRegistry_Resolve(t *testing.T) {
	r, _ := newCountingRegistry(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, testKey, nil, "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrMasterNotFound))

	entry, err := r.Resolve(ctx, testKey, testNames, "pharmacist-1")
	require.NoError(t, err)
	assert.Equal(t, "pharmacist-1", entry.CreatedBy)

	again, err := r.Resolve(ctx, testKey, testNames, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
}

func TestRegistry_Validation(t *testing.T) {
	r, _ := newCountingRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, CreateMasterRequest{Key: testKey, Names: domain.MasterNames{FundingSource: "Gov"}})
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details, "producer")

	bulk := testKey.WithPackageType("K")
	_, err = r.Create(ctx, CreateMasterRequest{Key: bulk, Names: *testNames})
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details, "package_type")

	bad := testKey
	bad.MedicineType = "Q"
	_, err = r.Get(ctx, bad)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
