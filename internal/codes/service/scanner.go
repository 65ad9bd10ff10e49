package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/internal/codes/locking"
	"github.com/medflow/medcode/internal/codes/metrics"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
)

// compensationTimeout bounds the stock restore issued after a failed commit.
const compensationTimeout = 10 * time.Second

// ScanRequest is one scan attempt
type ScanRequest struct {
	CodeString string             `json:"code"`
	Purpose    domain.ScanPurpose `json:"purpose"`
	Location   *string            `json:"location,omitempty"`
	DeviceInfo *string            `json:"device_info,omitempty"`
	ScannedBy  string             `json:"scanned_by"`
}

// ScanResult reports the outcome of a scan. Err carries the domain error of a failed
// scan; it is also summarized in Message.
type ScanResult struct {
	Success    bool                    `json:"success"`
	Outcome    domain.ScanOutcome      `json:"outcome"`
	Message    string                  `json:"message,omitempty"`
	Code       *domain.Code            `json:"code,omitempty"`
	LogEntry   *domain.ScanLogEntry    `json:"log_entry"`
	SideEffect *domain.StockAdjustment `json:"side_effect,omitempty"`
	Batch      *domain.BatchSnapshot   `json:"batch,omitempty"`
	Err        error                   `json:"-"`
}

// scanContext is what a purpose handler sees and fills in.
type scanContext struct {
	req     ScanRequest
	code    *domain.Code
	now     time.Time
	next    domain.CodeState
	adjust  *domain.StockAdjustment
	batch   *domain.BatchSnapshot
	message string
}

// purposeHandler implements one scan purpose. stockAffecting purposes are refused on
// terminal codes before the handler runs.
type purposeHandler struct {
	stockAffecting bool
	handle         func(ctx context.Context, p *ScanProcessor, sc *scanContext) error
}

var purposes = map[domain.ScanPurpose]purposeHandler{
	domain.PurposeDistribution:   {stockAffecting: true, handle: handleDistribution},
	domain.PurposeVerification:   {handle: handleSnapshot},
	domain.PurposeInventoryCheck: {handle: handleSnapshot},
	domain.PurposeAudit:          {handle: handleAudit},
	domain.PurposeReceipt:        {handle: handleReceipt},
}

// IsKnownPurpose reports whether a handler is registered for purpose.
func IsKnownPurpose(purpose domain.ScanPurpose) bool {
	_, ok := purposes[purpose]
	return ok
}

func handleDistribution(ctx context.Context, p *ScanProcessor, sc *scanContext) error {
	batch, err := p.inventory.GetBatch(ctx, sc.code.BatchReference)
	if err != nil {
		return err
	}
	sc.batch = batch

	if batch.AvailableQuantity < sc.code.UnitQuantity {
		return errors.InsufficientStock(sc.code.BatchReference, batch.AvailableQuantity, sc.code.UnitQuantity)
	}

	sc.adjust = &domain.StockAdjustment{
		BatchReference: sc.code.BatchReference,
		Delta:          -sc.code.UnitQuantity,
		Reason:         "distribution scan " + sc.code.CodeString,
		Actor:          sc.req.ScannedBy,
	}
	sc.next = domain.StateUsed
	return nil
}

func handleSnapshot(ctx context.Context, p *ScanProcessor, sc *scanContext) error {
	batch, err := p.inventory.GetBatch(ctx, sc.code.BatchReference)
	if err != nil {
		return err
	}
	sc.batch = batch
	return nil
}

func handleAudit(ctx context.Context, p *ScanProcessor, sc *scanContext) error {
	batch, err := p.inventory.GetBatch(ctx, sc.code.BatchReference)
	if err != nil {
		sc.message = "batch unresolved: " + err.Error()
		return nil
	}
	sc.batch = batch
	return nil
}

func handleReceipt(_ context.Context, _ *ScanProcessor, sc *scanContext) error {
	switch sc.code.State {
	case domain.StateDistributed:
		sc.next = domain.StateScanned
	case domain.StateScanned:
		sc.message = "receipt already confirmed"
	default:
		return errors.InvalidStateTransition(string(sc.code.State), string(domain.StateScanned))
	}
	return nil
}

// scanRejected carries a handler or inventory failure out of the unit of work so that it
// rolls back.
type scanRejected struct{ err error }

func (e *scanRejected) Error() string { return e.err.Error() }
func (e *scanRejected) Unwrap() error { return e.err }

// ScanProcessor drives codes through their lifecycle.
//
// A scan of one code runs under a per-code in-process lock and inside one unit of work
// that also row-locks the code. The stock adjustment is the last step before commit: when
// it fails the state change and the success log entry roll back and an ERROR entry is
// written instead; when the commit fails after a successful adjustment the stock is
// restored with a compensating adjustment.
type ScanProcessor struct {
	uow       UnitOfWork
	codes     CodeStore
	scans     ScanLogStore
	inventory Inventory
	events    EventPublisher
	metrics   *metrics.CodeMetrics
	locks     *locking.KeyedMutex
	now       Clock
	logger    *logger.Logger
}

// NewScanProcessor creates a new scan processor. events may be nil.
func NewScanProcessor(
	uow UnitOfWork,
	codes CodeStore,
	scans ScanLogStore,
	inventory Inventory,
	events EventPublisher,
	m *metrics.CodeMetrics,
	log *logger.Logger,
) *ScanProcessor {
	return &ScanProcessor{
		uow:       uow,
		codes:     codes,
		scans:     scans,
		inventory: inventory,
		events:    events,
		metrics:   m,
		locks:     locking.NewKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log.WithComponent("scanner"),
	}
}

// WithClock overrides the processor's time source and returns the processor.
func (p *ScanProcessor) WithClock(c Clock) *ScanProcessor {
	p.now = c
	return p
}

// Scan processes one scan attempt and appends exactly one scan log entry for it. Domain
// failures are reported through the result; the returned error is reserved for invalid
// requests and for failing to record the attempt at all.
func (p *ScanProcessor) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	handler, ok := purposes[req.Purpose]
	if !ok {
		return nil, errors.Validation(map[string]string{"purpose": fmt.Sprintf("unknown scan purpose %q", req.Purpose)})
	}
	if req.ScannedBy == "" {
		return nil, errors.Validation(map[string]string{"scanned_by": "is required"})
	}

	if _, err := format.Decode(req.CodeString); err != nil {
		res := &ScanResult{Outcome: domain.OutcomeInvalidFormat, Err: err}
		return p.finish(ctx, req, res, nil)
	}

	unlock := p.locks.Lock(req.CodeString)
	defer unlock()

	var (
		res      *ScanResult
		original domain.Code
		adjusted *domain.StockAdjustment
	)

	txErr := p.uow.RunInTx(ctx, func(ctx context.Context) error {
		code, err := p.codes.GetForUpdate(ctx, req.CodeString)
		if errors.Is(err, errors.ErrCodeNotFound) {
			res = &ScanResult{Outcome: domain.OutcomeNotFound, Err: err}
			return p.appendLog(ctx, req, res, nil)
		}
		if err != nil {
			return err
		}
		original = *code

		if handler.stockAffecting && code.State.IsTerminal() {
			res = &ScanResult{
				Outcome: terminalOutcome(code.State),
				Message: fmt.Sprintf("code is %s, %s refused", code.State, req.Purpose),
				Code:    code,
			}
			return p.appendLog(ctx, req, res, code)
		}

		sc := &scanContext{req: req, code: code, now: p.now()}
		if err := handler.handle(ctx, p, sc); err != nil {
			return &scanRejected{err: err}
		}

		code.RecordScan(req.ScannedBy, sc.now)
		if sc.next != "" {
			code.State = sc.next
		}
		code.UpdatedAt = sc.now
		if err := p.codes.Update(ctx, code); err != nil {
			return err
		}

		res = &ScanResult{
			Success:    true,
			Outcome:    domain.OutcomeSuccess,
			Message:    sc.message,
			Code:       code,
			SideEffect: sc.adjust,
			Batch:      sc.batch,
		}
		if err := p.appendLog(ctx, req, res, code); err != nil {
			return err
		}

		if sc.adjust != nil {
			snapshot, err := p.inventory.AdjustStock(ctx, sc.adjust)
			if err != nil {
				return &scanRejected{err: err}
			}
			sc.adjust.Result = snapshot
			res.Batch = snapshot
			adjusted = sc.adjust
		}
		return nil
	})

	if txErr == nil {
		p.metrics.Scanned(string(req.Purpose), string(res.Outcome))
		p.logScan(req, res)
		if p.events != nil && res.Code != nil {
			p.events.CodeScanned(ctx, res)
		}
		return res, nil
	}

	// the unit of work rolled back; record the attempt on its own
	var rejected *scanRejected
	res = &ScanResult{Outcome: domain.OutcomeError, Err: txErr}
	if stderrors.As(txErr, &rejected) {
		res.Err = rejected.err
	} else if adjusted != nil {
		p.compensate(ctx, req, adjusted)
	}
	var code *domain.Code
	if original.ID != "" {
		code = &original
		res.Code = code
	}

	return p.finish(ctx, req, res, code)
}

// finish appends the log entry of a scan that did not complete inside a unit of work.
func (p *ScanProcessor) finish(ctx context.Context, req ScanRequest, res *ScanResult, code *domain.Code) (*ScanResult, error) {
	if err := p.appendLog(ctx, req, res, code); err != nil {
		p.logger.Error().Err(err).Str("code", req.CodeString).Msg("failed to record scan attempt")
		return nil, err
	}
	p.metrics.Scanned(string(req.Purpose), string(res.Outcome))
	p.logScan(req, res)
	if p.events != nil && code != nil {
		p.events.CodeScanned(ctx, res)
	}
	return res, nil
}

func (p *ScanProcessor) appendLog(ctx context.Context, req ScanRequest, res *ScanResult, code *domain.Code) error {
	codeString, clipped := clipInput(req.CodeString)
	entry := &domain.ScanLogEntry{
		CodeString: codeString,
		ScannedBy:  req.ScannedBy,
		ScannedAt:  p.now(),
		Purpose:    req.Purpose,
		Outcome:    res.Outcome,
		Location:   clipOptional(req.Location),
		DeviceInfo: clipOptional(req.DeviceInfo),
	}
	if code != nil {
		id, ref := code.ID, code.BatchReference
		entry.CodeID = &id
		entry.BatchReference = &ref
	}
	if res.Success && res.SideEffect != nil {
		entry.StockDelta = res.SideEffect.Delta
	}
	if res.Err != nil && res.Message == "" {
		res.Message = res.Err.Error()
	}
	msg := res.Message
	if clipped {
		msg = strings.TrimSpace(fmt.Sprintf("%s (scanned input truncated from %d characters)", msg, utf8.RuneCountInString(req.CodeString)))
	}
	if msg != "" {
		entry.Message = &msg
	}

	if err := p.scans.Append(ctx, entry); err != nil {
		return err
	}
	res.LogEntry = entry
	return nil
}

// compensate restores stock taken by an adjustment whose unit of work failed to commit.
func (p *ScanProcessor) compensate(ctx context.Context, req ScanRequest, adj *domain.StockAdjustment) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	restore := &domain.StockAdjustment{
		BatchReference: adj.BatchReference,
		Delta:          -adj.Delta,
		Reason:         "compensation for failed scan " + req.CodeString,
		Actor:          req.ScannedBy,
	}
	if _, err := p.inventory.AdjustStock(ctx, restore); err != nil {
		p.logger.Error().
			Err(err).
			Str("code", req.CodeString).
			Str("batch_reference", adj.BatchReference).
			Int("delta", restore.Delta).
			Msg("stock compensation failed, batch needs manual reconciliation")
		return
	}
	p.metrics.StockCompensated()
	p.logger.Warn().
		Str("code", req.CodeString).
		Str("batch_reference", adj.BatchReference).
		Int("delta", restore.Delta).
		Msg("stock compensated after failed commit")
}

func (p *ScanProcessor) logScan(req ScanRequest, res *ScanResult) {
	evt := p.logger.Info()
	if !res.Success {
		evt = p.logger.Warn()
	}
	if res.Err != nil {
		evt = evt.Str("error_code", errors.CodeOf(res.Err))
	}
	evt.Str("code", req.CodeString).
		Str("purpose", string(req.Purpose)).
		Str("outcome", string(res.Outcome)).
		Str("scanned_by", req.ScannedBy).
		Msg("code scanned")
}

func terminalOutcome(state domain.CodeState) domain.ScanOutcome {
	if state == domain.StateExpired {
		return domain.OutcomeExpired
	}
	return domain.OutcomeAlreadyUsed
}

// maxLoggedInput bounds the free-form scanner input kept in a log entry.
const maxLoggedInput = 255

func clipInput(s string) (string, bool) {
	if utf8.RuneCountInString(s) <= maxLoggedInput {
		return s, false
	}
	return string([]rune(s)[:maxLoggedInput]), true
}

func clipOptional(s *string) *string {
	if s == nil {
		return nil
	}
	clipped, _ := clipInput(*s)
	return &clipped
}
