package service

import (
	"context"
	"time"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/internal/codes/metrics"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
)

// MaxCodesPerRequest caps how many codes one generation request may mint.
const MaxCodesPerRequest = 10000

// Code kinds used in metrics and logs
const (
	kindIndividual = "individual"
	kindBulk       = "bulk"
)

// GenerateIndividualRequest mints Count individual codes for a batch
type GenerateIndividualRequest struct {
	Key            domain.ClassificationKey `json:"key"`
	BatchReference string                   `json:"batch_reference"`
	Count          int                      `json:"count"`
	SequenceType   domain.SequenceType      `json:"sequence_type,omitempty"`
	Period         *domain.Period           `json:"period,omitempty"`
	Names          *domain.MasterNames      `json:"names,omitempty"`
	IssuedBy       string                   `json:"issued_by"`
}

// GenerateBulkRequest mints TotalQuantity/BulkPackageSize bulk codes for a batch
type GenerateBulkRequest struct {
	Key             domain.ClassificationKey `json:"key"`
	BatchReference  string                   `json:"batch_reference"`
	TotalQuantity   int                      `json:"total_quantity"`
	BulkPackageSize int                      `json:"bulk_package_size"`
	PackageType     string                   `json:"package_type"`
	SequenceType    domain.SequenceType      `json:"sequence_type,omitempty"`
	Period          *domain.Period           `json:"period,omitempty"`
	Names           *domain.MasterNames      `json:"names,omitempty"`
	IssuedBy        string                   `json:"issued_by"`
}

// GenerationFailure describes one unit that could not be minted
type GenerationFailure struct {
	Unit   int    `json:"unit"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// GenerationResult reports a partially or fully successful generation
type GenerationResult struct {
	BatchReference string              `json:"batch_reference"`
	Classification string              `json:"classification"`
	SequenceType   domain.SequenceType `json:"sequence_type"`
	IsBulkPackage  bool                `json:"is_bulk_package"`
	Codes          []*domain.Code      `json:"codes"`
	Failures       []GenerationFailure `json:"failures,omitempty"`
	Requested      int                 `json:"requested"`
	Generated      int                 `json:"generated"`
	Failed         int                 `json:"failed"`
}

// Generator mints codes by combining the registry, the allocator and the code format.
type Generator struct {
	registry    *Registry
	allocator   *Allocator
	codes       CodeStore
	events      EventPublisher
	metrics     *metrics.CodeMetrics
	defaultType domain.SequenceType
	now         Clock
	logger      *logger.Logger
}

// NewGenerator creates a new code generator. events may be nil.
func NewGenerator(
	registry *Registry,
	allocator *Allocator,
	codes CodeStore,
	events EventPublisher,
	m *metrics.CodeMetrics,
	defaultType domain.SequenceType,
	log *logger.Logger,
) *Generator {
	if !defaultType.Valid() {
		defaultType = domain.SequenceNumeric
	}
	return &Generator{
		registry:    registry,
		allocator:   allocator,
		codes:       codes,
		events:      events,
		metrics:     m,
		defaultType: defaultType,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.WithComponent("generator"),
	}
}

// WithClock overrides the generator's time source and returns the generator.
func (g *Generator) WithClock(c Clock) *Generator {
	g.now = c
	return g
}

// mintPlan is what both generation flavors reduce to once validated.
type mintPlan struct {
	bucket         domain.Bucket
	count          int
	unitQuantity   int
	batchReference string
	issuedBy       string
	kind           string
}

// GenerateIndividual mints individual codes. Per-unit allocation failures are reported in
// the result and never roll back codes already minted.
func (g *Generator) GenerateIndividual(ctx context.Context, req GenerateIndividualRequest) (*GenerationResult, error) {
	details := map[string]string{}
	if req.Count < 1 || req.Count > MaxCodesPerRequest {
		details["count"] = "must be between 1 and 10000"
	}
	if req.Key.PackageType != "" {
		details["key.package_type"] = "individual codes carry no package type"
	}
	validateCommon(details, req.BatchReference, req.IssuedBy, req.SequenceType, req.Period)
	if len(details) > 0 {
		return nil, errors.Validation(details)
	}
	if err := format.ValidateKey(req.Key, false); err != nil {
		return nil, err
	}

	if _, err := g.registry.Resolve(ctx, req.Key, req.Names, req.IssuedBy); err != nil {
		return nil, err
	}

	return g.mint(ctx, mintPlan{
		bucket:         g.bucket(req.Key, req.SequenceType, req.Period),
		count:          req.Count,
		unitQuantity:   1,
		batchReference: req.BatchReference,
		issuedBy:       req.IssuedBy,
		kind:           kindIndividual,
	}), nil
}

// GenerateBulk mints bulk package codes, each standing for BulkPackageSize units. The
// quantity must divide evenly; otherwise nothing is reserved.
func (g *Generator) GenerateBulk(ctx context.Context, req GenerateBulkRequest) (*GenerationResult, error) {
	details := map[string]string{}
	if req.TotalQuantity < 1 {
		details["total_quantity"] = "must be positive"
	}
	if req.BulkPackageSize < 1 {
		details["bulk_package_size"] = "must be positive"
	}
	if req.Key.PackageType != "" && req.Key.PackageType != req.PackageType {
		details["key.package_type"] = "conflicts with package_type"
	}
	validateCommon(details, req.BatchReference, req.IssuedBy, req.SequenceType, req.Period)
	if len(details) > 0 {
		return nil, errors.Validation(details)
	}

	if req.TotalQuantity%req.BulkPackageSize != 0 {
		return nil, errors.InvalidBulkQuantity(req.TotalQuantity, req.BulkPackageSize)
	}
	count := req.TotalQuantity / req.BulkPackageSize
	if count > MaxCodesPerRequest {
		return nil, errors.Validation(map[string]string{"total_quantity": "would mint more than 10000 codes"})
	}

	base := req.Key.WithPackageType("")
	bulkKey := base.WithPackageType(req.PackageType)
	if err := format.ValidateKey(bulkKey, true); err != nil {
		return nil, err
	}

	if _, err := g.registry.Resolve(ctx, base, req.Names, req.IssuedBy); err != nil {
		return nil, err
	}

	return g.mint(ctx, mintPlan{
		bucket:         g.bucket(bulkKey, req.SequenceType, req.Period),
		count:          count,
		unitQuantity:   req.BulkPackageSize,
		batchReference: req.BatchReference,
		issuedBy:       req.IssuedBy,
		kind:           kindBulk,
	}), nil
}

func (g *Generator) bucket(key domain.ClassificationKey, seqType domain.SequenceType, period *domain.Period) domain.Bucket {
	if seqType == "" {
		seqType = g.defaultType
	}
	p := domain.PeriodOf(g.now())
	if period != nil {
		p = *period
	}
	return domain.Bucket{Period: p, Key: key, SequenceType: seqType}
}

func (g *Generator) mint(ctx context.Context, plan mintPlan) *GenerationResult {
	res := &GenerationResult{
		BatchReference: plan.batchReference,
		Classification: plan.bucket.Key.String(),
		SequenceType:   plan.bucket.SequenceType,
		IsBulkPackage:  plan.kind == kindBulk,
		Codes:          make([]*domain.Code, 0, plan.count),
		Requested:      plan.count,
	}

	// each value is persisted before the next is reserved, so an interruption
	// leaves at most one reserved value without a code
	for unit := 1; unit <= plan.count; unit++ {
		err := ctx.Err()
		var value int
		if err == nil {
			value, err = g.allocator.ReserveNext(ctx, plan.bucket)
		}
		if err != nil {
			for ; unit <= plan.count; unit++ {
				g.fail(res, plan.kind, unit, err)
			}
			break
		}

		code, err := g.persist(ctx, plan, value)
		if err != nil {
			g.fail(res, plan.kind, unit, err)
			continue
		}
		res.Codes = append(res.Codes, code)
	}

	res.Generated = len(res.Codes)
	res.Failed = len(res.Failures)
	g.metrics.CodesGenerated(plan.kind, res.Generated)

	evt := g.logger.Info()
	if res.Failed > 0 {
		evt = g.logger.Warn().Str("first_failure", res.Failures[0].Code)
	}
	evt.Str("bucket", plan.bucket.String()).
		Str("batch_reference", plan.batchReference).
		Str("kind", plan.kind).
		Int("requested", res.Requested).
		Int("generated", res.Generated).
		Int("failed", res.Failed).
		Msg("codes generated")

	if g.events != nil && res.Generated > 0 {
		g.events.CodesGenerated(ctx, res, plan.issuedBy)
	}

	return res
}

func (g *Generator) persist(ctx context.Context, plan mintPlan, value int) (*domain.Code, error) {
	codeString, err := format.Encode(format.Components{
		Year:          plan.bucket.Year,
		Month:         plan.bucket.Month,
		Key:           plan.bucket.Key,
		SequenceValue: value,
		SequenceType:  plan.bucket.SequenceType,
		IsBulk:        plan.kind == kindBulk,
	})
	if err != nil {
		return nil, err
	}

	code := &domain.Code{
		CodeString:        codeString,
		IsBulkPackage:     plan.kind == kindBulk,
		ClassificationKey: plan.bucket.Key,
		Year:              plan.bucket.Year,
		Month:             plan.bucket.Month,
		SequenceValue:     value,
		SequenceType:      plan.bucket.SequenceType,
		UnitQuantity:      plan.unitQuantity,
		BatchReference:    plan.batchReference,
		State:             domain.StateGenerated,
		GeneratedAt:       g.now(),
		GeneratedBy:       plan.issuedBy,
	}
	if err := g.codes.Create(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

func (g *Generator) fail(res *GenerationResult, kind string, unit int, err error) {
	code := errors.CodeOf(err)
	res.Failures = append(res.Failures, GenerationFailure{Unit: unit, Code: code, Reason: err.Error()})
	g.metrics.GenerationFailed(kind, code)
}

func validateCommon(details map[string]string, batchRef, issuedBy string, seqType domain.SequenceType, period *domain.Period) {
	if batchRef == "" {
		details["batch_reference"] = "is required"
	}
	if issuedBy == "" {
		details["issued_by"] = "is required"
	}
	if seqType != "" && !seqType.Valid() {
		details["sequence_type"] = "must be NUMERIC, ALPHA_SUFFIX or ALPHA_PREFIX"
	}
	if period != nil && !period.Valid() {
		details["period"] = "year must be 0-99 and month 1-12"
	}
}
