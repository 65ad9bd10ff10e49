package service

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
)

// Registry cache defaults, used when the configured values are not positive.
const (
	DefaultRegistryCacheSize = 1024
	DefaultRegistryCacheTTL  = 30 * time.Second
)

// CreateMasterRequest creates a master registry entry
type CreateMasterRequest struct {
	Key       domain.ClassificationKey `json:"key"`
	Names     domain.MasterNames       `json:"names"`
	CreatedBy string                   `json:"created_by"`
}

// Registry maps classification keys to display names. Entries are cached per process
// for at most the cache TTL, so writes made by other replicas become visible once the
// entry expires. Local writes drop the entry immediately. Resolve always reads the store.
type Registry struct {
	store  MasterStore
	cache  *expirable.LRU[domain.ClassificationKey, domain.MasterEntry]
	now    Clock
	logger *logger.Logger

	// generation is bumped on every local write; a store read started before a
	// write must not repopulate the cache after it.
	mu         sync.Mutex
	generation uint64
}

// NewRegistry creates a new master registry
func NewRegistry(store MasterStore, cacheSize int, cacheTTL time.Duration, log *logger.Logger) *Registry {
	if cacheSize <= 0 {
		cacheSize = DefaultRegistryCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultRegistryCacheTTL
	}

	return &Registry{
		store:  store,
		cache:  expirable.NewLRU[domain.ClassificationKey, domain.MasterEntry](cacheSize, nil, cacheTTL),
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithComponent("registry"),
	}
}

// Create registers a classification. Creating an existing key fails with DuplicateClassification.
func (r *Registry) Create(ctx context.Context, req CreateMasterRequest) (*domain.MasterEntry, error) {
	if err := format.ValidateKey(req.Key, req.Key.IsBulk()); err != nil {
		return nil, err
	}
	if err := validateNames(req.Key, req.Names); err != nil {
		return nil, err
	}

	entry := &domain.MasterEntry{
		ClassificationKey:    req.Key,
		FundingSourceName:    req.Names.FundingSource,
		MedicineTypeName:     req.Names.MedicineType,
		ActiveIngredientName: req.Names.ActiveIngredient,
		ProducerName:         req.Names.Producer,
		IsActive:             true,
		CreatedBy:            req.CreatedBy,
	}
	if req.Names.PackageType != "" {
		name := req.Names.PackageType
		entry.PackageTypeName = &name
	}

	err := r.store.Create(ctx, entry)
	r.invalidate(entry.ClassificationKey)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("classification", entry.ClassificationKey.String()).
		Str("created_by", entry.CreatedBy).
		Msg("master entry created")

	return entry, nil
}

// Get returns the entry of key, served from the cache when possible.
func (r *Registry) Get(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	if err := format.ValidateKey(key, key.IsBulk()); err != nil {
		return nil, err
	}

	if cached, ok := r.cache.Get(key); ok {
		return &cached, nil
	}
	return r.load(ctx, key)
}

// load reads key from the store and caches it unless a local write raced the read.
func (r *Registry) load(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	entry, err := r.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.generation == gen {
		r.cache.Add(key, *entry)
	}
	r.mu.Unlock()
	return entry, nil
}

func (r *Registry) invalidate(key domain.ClassificationKey) {
	r.mu.Lock()
	r.generation++
	r.cache.Remove(key)
	r.mu.Unlock()
}

// List lists registry entries. It always reads the store.
func (r *Registry) List(ctx context.Context, filter domain.MasterFilter) ([]*domain.MasterEntry, error) {
	return r.store.List(ctx, filter)
}

// Deactivate stops new codes from being generated for key. Existing codes are untouched.
func (r *Registry) Deactivate(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	return r.setActive(ctx, key, false)
}

// Activate re-enables a deactivated classification.
func (r *Registry) Activate(ctx context.Context, key domain.ClassificationKey) (*domain.MasterEntry, error) {
	return r.setActive(ctx, key, true)
}

func (r *Registry) setActive(ctx context.Context, key domain.ClassificationKey, active bool) (*domain.MasterEntry, error) {
	if err := format.ValidateKey(key, key.IsBulk()); err != nil {
		return nil, err
	}

	entry, err := r.store.SetActive(ctx, key, active, r.now())
	r.invalidate(key)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("classification", key.String()).
		Bool("active", active).
		Msg("master entry activation changed")

	return entry, nil
}

// Resolve returns the active entry of key for code generation. It bypasses the cache so a
// deactivation made by any replica stops generation at once. A missing entry is created
// from names when they are supplied; without names it fails with MasterNotFound.
func (r *Registry) Resolve(ctx context.Context, key domain.ClassificationKey, names *domain.MasterNames, actor string) (*domain.MasterEntry, error) {
	if err := format.ValidateKey(key, key.IsBulk()); err != nil {
		return nil, err
	}

	entry, err := r.load(ctx, key)
	if errors.Is(err, errors.ErrMasterNotFound) && names != nil {
		entry, err = r.Create(ctx, CreateMasterRequest{Key: key, Names: *names, CreatedBy: actor})
		if errors.Is(err, errors.ErrDuplicateClassification) {
			// created concurrently by another caller
			entry, err = r.load(ctx, key)
		}
	}
	if err != nil {
		return nil, err
	}

	if !entry.IsActive {
		return nil, errors.InactiveClassification(key.String())
	}
	return entry, nil
}

func validateNames(key domain.ClassificationKey, names domain.MasterNames) error {
	details := map[string]string{}
	if names.FundingSource == "" {
		details["funding_source"] = "name is required"
	}
	if names.MedicineType == "" {
		details["medicine_type"] = "name is required"
	}
	if names.ActiveIngredient == "" {
		details["active_ingredient"] = "name is required"
	}
	if names.Producer == "" {
		details["producer"] = "name is required"
	}
	if key.IsBulk() && names.PackageType == "" {
		details["package_type"] = "name is required for bulk classifications"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}
