package events

import (
	"context"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/service"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/medflow/medcode/pkg/messaging"
)

// Source identifies this service on published events
const Source = "code-service"

// publisher is satisfied by *messaging.Publisher
type publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// CodeEventPublisher publishes code lifecycle events. Broker failures are logged and
// never returned to the caller.
type CodeEventPublisher struct {
	publisher publisher
	logger    *logger.Logger
}

// NewCodeEventPublisher declares the code exchange and creates a publisher on it
func NewCodeEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*CodeEventPublisher, error) {
	p, err := messaging.NewPublisher(rmq, messaging.ExchangeCodeEvents, Source, log)
	if err != nil {
		return nil, err
	}
	return NewCodeEventPublisherWith(p, log), nil
}

// NewCodeEventPublisherWith wraps an existing publisher
func NewCodeEventPublisherWith(p publisher, log *logger.Logger) *CodeEventPublisher {
	return &CodeEventPublisher{publisher: p, logger: log.WithComponent("events")}
}

var _ service.EventPublisher = (*CodeEventPublisher)(nil)

// CodesGenerated publishes a codes generated event
func (p *CodeEventPublisher) CodesGenerated(ctx context.Context, res *service.GenerationResult, generatedBy string) {
	codes := make([]string, 0, len(res.Codes))
	for _, c := range res.Codes {
		codes = append(codes, c.CodeString)
	}

	data := messaging.CodesGeneratedEvent{
		BatchReference: res.BatchReference,
		Classification: res.Classification,
		IsBulkPackage:  res.IsBulkPackage,
		SequenceType:   string(res.SequenceType),
		Requested:      res.Requested,
		Generated:      res.Generated,
		Failed:         res.Failed,
		Codes:          codes,
		GeneratedBy:    generatedBy,
	}

	if err := p.publisher.Publish(ctx, messaging.EventCodesGenerated, data); err != nil {
		p.logger.Error().Err(err).Str("batch_reference", res.BatchReference).Msg("failed to publish codes generated event")
	}
}

// CodeScanned publishes a code scanned event
func (p *CodeEventPublisher) CodeScanned(ctx context.Context, res *service.ScanResult) {
	if res.Code == nil || res.LogEntry == nil {
		return
	}

	data := messaging.CodeScannedEvent{
		Code:           res.Code.CodeString,
		BatchReference: res.Code.BatchReference,
		Purpose:        string(res.LogEntry.Purpose),
		Outcome:        string(res.Outcome),
		State:          string(res.Code.State),
		StockDelta:     res.LogEntry.StockDelta,
		ScannedBy:      res.LogEntry.ScannedBy,
	}

	if err := p.publisher.Publish(ctx, messaging.EventCodeScanned, data); err != nil {
		p.logger.Error().Err(err).Str("code", data.Code).Msg("failed to publish code scanned event")
	}
}

// CodeStateChanged publishes a code state changed event
func (p *CodeEventPublisher) CodeStateChanged(ctx context.Context, code *domain.Code, from domain.CodeState, actor string) {
	data := messaging.CodeStateChangedEvent{
		Code:           code.CodeString,
		BatchReference: code.BatchReference,
		From:           string(from),
		To:             string(code.State),
		ChangedBy:      actor,
	}

	if err := p.publisher.Publish(ctx, messaging.EventCodeStateChanged, data); err != nil {
		p.logger.Error().Err(err).Str("code", code.CodeString).Msg("failed to publish code state changed event")
	}
}
