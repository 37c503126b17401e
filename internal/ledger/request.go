package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/stateledger/internal/statechain"
	"go.uber.org/zap"
)

// RequestDetails asks for Amount minor currency units against a cost code.
type RequestDetails struct {
	CostCode    string `json:"costcode"`
	RequestedBy string `json:"requested_by"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
}

// ApprovalHooks receives the decision entity after a cost request has been
// approved or rejected.
type ApprovalHooks interface {
	OnApproved(ctx context.Context, decision *statechain.CostRequest) error
	OnRejected(ctx context.Context, decision *statechain.CostRequest) error
}

// HookFuncs adapts plain functions to ApprovalHooks. Nil funcs are skipped.
type HookFuncs struct {
	Approved func(ctx context.Context, decision *statechain.CostRequest) error
	Rejected func(ctx context.Context, decision *statechain.CostRequest) error
}

func (h HookFuncs) OnApproved(ctx context.Context, d *statechain.CostRequest) error {
	if h.Approved == nil {
		return nil
	}
	return h.Approved(ctx, d)
}

func (h HookFuncs) OnRejected(ctx context.Context, d *statechain.CostRequest) error {
	if h.Rejected == nil {
		return nil
	}
	return h.Rejected(ctx, d)
}

// RequestCost records a PENDING cost request on the cost code's chain.
func (s *Service) RequestCost(ctx context.Context, d RequestDetails) (*statechain.CostRequest, error) {
	if d.CostCode == "" || d.RequestedBy == "" {
		return nil, invalid("costcode and requested_by are required")
	}
	if d.Amount <= 0 {
		return nil, invalid("amount must be positive")
	}
	currency := strings.ToUpper(d.Currency)
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	build := func(ctx context.Context, last statechain.Entity, memo statechain.Memo) (statechain.Entity, error) {
		r := &statechain.CostRequest{
			CostCode:    d.CostCode,
			Status:      statechain.StatusPending,
			RequestedBy: d.RequestedBy,
			Amount:      d.Amount,
			Currency:    currency,
		}
		if err := s.mintAfter(ctx, r, last, memo); err != nil {
			return nil, err
		}
		return r, nil
	}
	e, err := s.appendEntity(ctx, d.CostCode, statechain.KindCostRequest, build)
	if err != nil {
		return nil, err
	}
	return e.(*statechain.CostRequest), nil
}

// SetApproval decides a pending cost request. The decision is a new entity
// on the request's chain carrying the request payload, the new status and
// Origin set to the request id; the request itself never changes. Hook
// failures are logged and do not fail the decision.
func (s *Service) SetApproval(ctx context.Context, status statechain.Status, request *statechain.CostRequest, hooks ApprovalHooks) (*statechain.CostRequest, error) {
	if status != statechain.StatusApproved && status != statechain.StatusRejected {
		return nil, invalid("status must be %s or %s", statechain.StatusApproved, statechain.StatusRejected)
	}
	if request == nil || request.ID == 0 {
		return nil, invalid("request is required")
	}

	stored, err := s.entities.Get(ctx, statechain.KindCostRequest, request.ID)
	if err != nil {
		return nil, fmt.Errorf("load cost request %d: %w", request.ID, err)
	}
	pending := stored.(*statechain.CostRequest)
	if pending.Status != statechain.StatusPending || pending.Origin != 0 {
		return nil, invalid("cost request %d is not pending", pending.ID)
	}
	ok, err := s.chains.Signer().IsValid(ctx, pending, nil)
	if err != nil && !errors.Is(err, statechain.ErrMissingSignature) {
		return nil, err
	}
	if !ok || err != nil {
		recordIntegrityFailure("approval")
		s.logger.Error("cost request failed verification", zap.Int64("request_id", pending.ID))
		return nil, fmt.Errorf("%w: cost request %d failed verification", statechain.ErrHackingAttempt, pending.ID)
	}

	origin := pending.ID
	build := func(ctx context.Context, last statechain.Entity, memo statechain.Memo) (statechain.Entity, error) {
		decided, err := s.entities.Find(ctx, statechain.KindCostRequest, nil, statechain.Filter{Origin: &origin})
		if err != nil {
			return nil, fmt.Errorf("look up decisions of %d: %w", origin, err)
		}
		if len(decided) > 0 {
			return nil, invalid("cost request %d is already decided", origin)
		}
		r := &statechain.CostRequest{
			CostCode:    pending.CostCode,
			Status:      status,
			RequestedBy: pending.RequestedBy,
			Amount:      pending.Amount,
			Currency:    pending.Currency,
			Origin:      origin,
		}
		if err := s.mintAfter(ctx, r, last, memo); err != nil {
			return nil, err
		}
		return r, nil
	}
	e, err := s.appendEntity(ctx, pending.CostCode, statechain.KindCostRequest, build)
	if err != nil {
		return nil, err
	}
	decision := e.(*statechain.CostRequest)
	s.fireHook(ctx, hooks, decision)
	return decision, nil
}

// Decision returns the entity that decided the cost request, or nil while it
// is still pending.
func (s *Service) Decision(ctx context.Context, requestID int64) (*statechain.CostRequest, error) {
	es, err := s.entities.Find(ctx, statechain.KindCostRequest, nil, statechain.Filter{Origin: &requestID})
	if err != nil {
		return nil, err
	}
	for _, e := range es {
		if e.Head().Signed() {
			return e.(*statechain.CostRequest), nil
		}
	}
	return nil, nil
}

func (s *Service) fireHook(ctx context.Context, hooks ApprovalHooks, d *statechain.CostRequest) {
	if hooks == nil {
		return
	}
	var err error
	switch d.Status {
	case statechain.StatusApproved:
		err = hooks.OnApproved(ctx, d)
	case statechain.StatusRejected:
		err = hooks.OnRejected(ctx, d)
	}
	if err != nil {
		s.logger.Warn("approval hook failed",
			zap.Int64("request_id", d.Origin),
			zap.Int64("decision_id", d.ID),
			zap.String("status", string(d.Status)),
			zap.Error(err),
		)
	}
}
