package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/internal/codes/service"
	"github.com/medflow/medcode/pkg/actor"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/httputil"
	"github.com/medflow/medcode/pkg/logger"
)

// CodeHandler handles code generation, scanning and lifecycle endpoints
type CodeHandler struct {
	generator *service.Generator
	scanner   *service.ScanProcessor
	allocator *service.Allocator
	now       func() time.Time
	logger    *logger.Logger
}

// NewCodeHandler creates a new code handler
func NewCodeHandler(gen *service.Generator, scanner *service.ScanProcessor, alloc *service.Allocator, log *logger.Logger) *CodeHandler {
	return &CodeHandler{
		generator: gen,
		scanner:   scanner,
		allocator: alloc,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log,
	}
}

type periodFields struct {
	Year  *int `json:"year,omitempty" validate:"omitempty,min=0,max=99"`
	Month *int `json:"month,omitempty" validate:"omitempty,min=1,max=12"`
}

func (p periodFields) period() (*domain.Period, error) {
	switch {
	case p.Year == nil && p.Month == nil:
		return nil, nil
	case p.Year == nil || p.Month == nil:
		return nil, errors.Validation(map[string]string{"period": "year and month go together"})
	}
	return &domain.Period{Year: *p.Year, Month: *p.Month}, nil
}

type generateIndividualRequest struct {
	Classification string              `json:"classification" validate:"required"`
	BatchReference string              `json:"batch_reference" validate:"required,max=100"`
	Count          int                 `json:"count" validate:"required,min=1,max=10000"`
	SequenceType   domain.SequenceType `json:"sequence_type,omitempty" validate:"omitempty,oneof=NUMERIC ALPHA_SUFFIX ALPHA_PREFIX"`
	Names          *domain.MasterNames `json:"names,omitempty"`
	periodFields
}

type generateBulkRequest struct {
	Classification  string              `json:"classification" validate:"required"`
	BatchReference  string              `json:"batch_reference" validate:"required,max=100"`
	TotalQuantity   int                 `json:"total_quantity" validate:"required,min=1"`
	BulkPackageSize int                 `json:"bulk_package_size" validate:"required,min=1"`
	PackageType     string              `json:"package_type" validate:"required,len=1,uppercase"`
	SequenceType    domain.SequenceType `json:"sequence_type,omitempty" validate:"omitempty,oneof=NUMERIC ALPHA_SUFFIX ALPHA_PREFIX"`
	Names           *domain.MasterNames `json:"names,omitempty"`
	periodFields
}

type scanRequest struct {
	Code       string             `json:"code" validate:"required"`
	Purpose    domain.ScanPurpose `json:"purpose" validate:"required,oneof=DISTRIBUTION VERIFICATION INVENTORY_CHECK AUDIT RECEIPT"`
	Location   *string            `json:"location,omitempty"`
	DeviceInfo *string            `json:"device_info,omitempty"`
}

// GenerateIndividual mints individual codes for a batch
func (h *CodeHandler) GenerateIndividual(w http.ResponseWriter, r *http.Request) {
	issuedBy, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req generateIndividualRequest
	if err := decodeAndValidate(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	key, err := format.ParseKey(req.Classification)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	period, err := req.period()
	if err != nil {
		httputil.Error(w, err)
		return
	}

	res, err := h.generator.GenerateIndividual(r.Context(), service.GenerateIndividualRequest{
		Key:            key,
		BatchReference: req.BatchReference,
		Count:          req.Count,
		SequenceType:   req.SequenceType,
		Period:         period,
		Names:          req.Names,
		IssuedBy:       issuedBy,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, res)
}

// GenerateBulk mints bulk package codes for a batch
func (h *CodeHandler) GenerateBulk(w http.ResponseWriter, r *http.Request) {
	issuedBy, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req generateBulkRequest
	if err := decodeAndValidate(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	key, err := format.ParseKey(req.Classification)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	period, err := req.period()
	if err != nil {
		httputil.Error(w, err)
		return
	}

	res, err := h.generator.GenerateBulk(r.Context(), service.GenerateBulkRequest{
		Key:             key,
		BatchReference:  req.BatchReference,
		TotalQuantity:   req.TotalQuantity,
		BulkPackageSize: req.BulkPackageSize,
		PackageType:     req.PackageType,
		SequenceType:    req.SequenceType,
		Period:          period,
		Names:           req.Names,
		IssuedBy:        issuedBy,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, res)
}

// Scan processes a scan. Every processed scan answers 200 with its outcome; only
// invalid requests are errors.
func (h *CodeHandler) Scan(w http.ResponseWriter, r *http.Request) {
	scannedBy, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req scanRequest
	if err := decodeAndValidate(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	res, err := h.scanner.Scan(r.Context(), service.ScanRequest{
		CodeString: req.Code,
		Purpose:    req.Purpose,
		Location:   req.Location,
		DeviceInfo: req.DeviceInfo,
		ScannedBy:  scannedBy,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, res)
}

// Validate checks a code string without touching storage
func (h *CodeHandler) Validate(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.scanner.ValidateFormat(chi.URLParam(r, "code")))
}

// Get gets a code
func (h *CodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	code, err := h.scanner.GetCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, code)
}

// History lists the scan log of a code
func (h *CodeHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scanner.GetCodeHistory(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.List(w, entries)
}

// MarkPrinted records that a label was printed
func (h *CodeHandler) MarkPrinted(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.scanner.MarkPrinted)
}

// MarkDistributed records that a label left the pharmacy
func (h *CodeHandler) MarkDistributed(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.scanner.MarkDistributed)
}

// Expire expires a code
func (h *CodeHandler) Expire(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.scanner.Expire)
}

// Invalidate invalidates a code
func (h *CodeHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.scanner.Invalidate)
}

type transitionFunc func(ctx context.Context, codeString, actorID string) (*domain.Code, error)

func (h *CodeHandler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	by, err := requireActor(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	code, err := fn(r.Context(), chi.URLParam(r, "code"), by)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, code)
}

// ListBatchCodes lists the codes minted for a batch
func (h *CodeHandler) ListBatchCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.scanner.GetCodesForBatch(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.List(w, codes)
}

// ListBatchScans lists the scan log of a batch
func (h *CodeHandler) ListBatchScans(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scanner.GetScanHistory(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.List(w, entries)
}

// BatchSummary counts the codes of a batch per state
func (h *CodeHandler) BatchSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scanner.GetBatchSummary(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, summary)
}

// ListSequences lists the counters of a period, the current one by default
func (h *CodeHandler) ListSequences(w http.ResponseWriter, r *http.Request) {
	period := domain.PeriodOf(h.now())

	q := r.URL.Query()
	if v := q.Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			httputil.Error(w, errors.BadRequest("year must be a number"))
			return
		}
		period.Year = year
	}
	if v := q.Get("month"); v != "" {
		month, err := strconv.Atoi(v)
		if err != nil {
			httputil.Error(w, errors.BadRequest("month must be a number"))
			return
		}
		period.Month = month
	}

	counters, err := h.allocator.ListCounters(r.Context(), period)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.List(w, counters)
}

func requireActor(r *http.Request) (string, error) {
	a := actor.FromContext(r.Context())
	if a == nil || a.ID == "" {
		return "", errors.New("UNAUTHENTICATED", "X-User-ID header is required", http.StatusUnauthorized)
	}
	return a.ID, nil
}

func decodeAndValidate(r *http.Request, v interface{}) error {
	if err := httputil.DecodeJSON(r, v); err != nil {
		return err
	}
	return httputil.Validate(v)
}
