package service

import (
	"context"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/pkg/errors"
)

// MarkPrinted moves a GENERATED code to PRINTED.
func (p *ScanProcessor) MarkPrinted(ctx context.Context, codeString, actor string) (*domain.Code, error) {
	return p.transition(ctx, codeString, actor, domain.StatePrinted,
		func(s domain.CodeState) bool { return s == domain.StateGenerated },
		func(c *domain.Code) {
			at := p.now()
			c.PrintedAt, c.PrintedBy = &at, &actor
		})
}

// MarkDistributed moves a PRINTED code to DISTRIBUTED.
func (p *ScanProcessor) MarkDistributed(ctx context.Context, codeString, actor string) (*domain.Code, error) {
	return p.transition(ctx, codeString, actor, domain.StateDistributed,
		func(s domain.CodeState) bool { return s == domain.StatePrinted },
		func(c *domain.Code) {
			at := p.now()
			c.DistributedAt, c.DistributedBy = &at, &actor
		})
}

// Expire moves any non-terminal code to EXPIRED.
func (p *ScanProcessor) Expire(ctx context.Context, codeString, actor string) (*domain.Code, error) {
	return p.transition(ctx, codeString, actor, domain.StateExpired, notTerminal, nil)
}

// Invalidate moves any non-terminal code to INVALID.
func (p *ScanProcessor) Invalidate(ctx context.Context, codeString, actor string) (*domain.Code, error) {
	return p.transition(ctx, codeString, actor, domain.StateInvalid, notTerminal, nil)
}

// ExpireBatch expires every non-terminal code of a batch and returns how many moved.
// Codes that became terminal concurrently are skipped.
func (p *ScanProcessor) ExpireBatch(ctx context.Context, batchRef, actor string) (int, error) {
	if batchRef == "" {
		return 0, errors.Validation(map[string]string{"batch_reference": "is required"})
	}

	codes, err := p.codes.ListByBatch(ctx, batchRef)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, code := range codes {
		if code.State.IsTerminal() {
			continue
		}
		_, err := p.Expire(ctx, code.CodeString, actor)
		if errors.Is(err, errors.ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}

	p.logger.Info().
		Str("batch_reference", batchRef).
		Int("codes", len(codes)).
		Int("expired", expired).
		Msg("batch expired")

	return expired, nil
}

func notTerminal(s domain.CodeState) bool { return !s.IsTerminal() }

func (p *ScanProcessor) transition(
	ctx context.Context,
	codeString, actor string,
	to domain.CodeState,
	allowed func(domain.CodeState) bool,
	apply func(*domain.Code),
) (*domain.Code, error) {
	if actor == "" {
		return nil, errors.Validation(map[string]string{"actor": "is required"})
	}
	if _, err := format.Decode(codeString); err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(codeString)
	defer unlock()

	var (
		updated *domain.Code
		from    domain.CodeState
	)
	err := p.uow.RunInTx(ctx, func(ctx context.Context) error {
		code, err := p.codes.GetForUpdate(ctx, codeString)
		if err != nil {
			return err
		}
		from = code.State
		if !allowed(code.State) {
			return errors.InvalidStateTransition(string(code.State), string(to))
		}

		code.State = to
		code.UpdatedAt = p.now()
		if apply != nil {
			apply(code)
		}
		if err := p.codes.Update(ctx, code); err != nil {
			return err
		}
		updated = code
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("code", codeString).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("code state changed")

	if p.events != nil {
		p.events.CodeStateChanged(ctx, updated, from, actor)
	}
	return updated, nil
}
