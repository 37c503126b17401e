// Package ledger implements the ledger use cases on top of signed state
// chains: invoicing between parties, balances, cost requests and their
// token-gated approval.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/stateledger/internal/approval"
	"github.com/jmerrifield20/stateledger/internal/statechain"
	"github.com/jmerrifield20/stateledger/internal/statekeys"
	"go.uber.org/zap"
)

var (
	ErrNotACostCodeTransaction  = errors.New("ledger: not a cost code transaction")
	ErrTokenIssueFailure        = errors.New("ledger: approval token could not be issued")
	ErrApprovalTokenNotVerified = errors.New("ledger: approval token not verified")
	ErrTokenExpired             = approval.ErrTokenExpired
)

// ValidationError is returned when the caller supplies invalid input.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// DefaultCurrency is used for invoices and requests that name none.
const DefaultCurrency = "USD"

// Config holds ledger settings.
type Config struct {
	DefaultCurrency string

	// Clock stamps new entities. Defaults to statechain.SystemClock.
	Clock statechain.Clock
}

// Service exposes the ledger operations.
type Service struct {
	keys     *statekeys.Registry
	chains   *statechain.Chains
	entities statechain.EntityStore
	tokens   *approval.Issuer
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a Service.
func NewService(keys *statekeys.Registry, chains *statechain.Chains, tokens *approval.Issuer, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = DefaultCurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = statechain.SystemClock
	}
	return &Service{
		keys:     keys,
		chains:   chains,
		entities: chains.Entities(),
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterParty mints the identity keypair that lets a party take part in
// invoices. The private key is never returned.
func (s *Service) RegisterParty(ctx context.Context, identity string) (*statekeys.KeyPair, error) {
	if identity == "" {
		return nil, invalid("party identity is required")
	}
	k, err := s.keys.RegisterParty(ctx, identity)
	if err != nil {
		if errors.Is(err, statekeys.ErrDuplicate) {
			return nil, invalid("party %q is already registered", identity)
		}
		return nil, err
	}
	return k.Redacted(), nil
}

// VerifyChain validates every chain of contextKey, retired ones included,
// and returns them. The chains are also returned alongside a validation
// error so callers can report what was checked.
func (s *Service) VerifyChain(ctx context.Context, contextKey string) ([]*statechain.Chain, error) {
	chains, err := s.chains.Chains(ctx, contextKey)
	if err != nil {
		return nil, fmt.Errorf("list chains %q: %w", contextKey, err)
	}
	for _, c := range chains {
		if _, err := s.chains.ValidateAllStates(ctx, c); err != nil {
			if errors.Is(err, statechain.ErrHackingAttempt) {
				recordIntegrityFailure("verify")
			}
			return chains, err
		}
	}
	return chains, nil
}

// ContextReport is the outcome of verifying one context.
type ContextReport struct {
	Context string `json:"context"`
	Chains  int    `json:"chains"`
	Blocks  int    `json:"blocks"`
	Valid   bool   `json:"valid"`
}

// VerifyAll verifies every context in the store. An integrity failure in one
// context is reported and does not stop the others; any other error aborts.
func (s *Service) VerifyAll(ctx context.Context) ([]ContextReport, error) {
	keys, err := s.chains.ContextKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	reports := make([]ContextReport, 0, len(keys))
	for _, key := range keys {
		r := ContextReport{Context: key, Valid: true}
		chains, err := s.VerifyChain(ctx, key)
		switch {
		case errors.Is(err, statechain.ErrHackingAttempt):
			r.Valid = false
			s.logger.Error("context failed verification", zap.String("context", key), zap.Error(err))
		case err != nil:
			return nil, err
		}
		for _, c := range chains {
			r.Chains++
			r.Blocks += len(c.Blocks)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Chains returns every chain of contextKey without validating them.
func (s *Service) Chains(ctx context.Context, contextKey string) ([]*statechain.Chain, error) {
	return s.chains.Chains(ctx, contextKey)
}

// States returns the entities of kind recorded on any chain of contextKey
// that match f, in chain order.
func (s *Service) States(ctx context.Context, contextKey string, kind statechain.Kind, f statechain.Filter) ([]statechain.Entity, error) {
	chains, err := s.chains.Chains(ctx, contextKey)
	if err != nil {
		return nil, fmt.Errorf("list chains %q: %w", contextKey, err)
	}
	var out []statechain.Entity
	for _, c := range chains {
		if c.Kind != kind {
			continue
		}
		es, err := s.chains.QueryStates(ctx, c, f)
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

// appendEntity runs the append and keeps metrics and integrity logging in
// one place.
func (s *Service) appendEntity(ctx context.Context, contextKey string, kind statechain.Kind, build statechain.BuildFunc) (statechain.Entity, error) {
	e, c, err := s.chains.Append(ctx, contextKey, kind, build)
	if err != nil {
		if errors.Is(err, statechain.ErrHackingAttempt) {
			recordIntegrityFailure("append")
			s.logger.Error("ledger append rejected",
				zap.String("context", contextKey),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	recordAppend(kind)
	s.logger.Info("ledger state appended",
		zap.String("context", contextKey),
		zap.String("kind", string(kind)),
		zap.Int64("entity_id", e.Head().ID),
		zap.Int64("chain_id", c.ID),
	)
	return e, nil
}

// mintAfter stamps e, links it to last and signs it.
func (s *Service) mintAfter(ctx context.Context, e statechain.Entity, last statechain.Entity, memo statechain.Memo) error {
	h := e.Head()
	if last != nil {
		h.Previous = last.Head().ID
	}
	h.CreatedAt = s.cfg.Clock()
	return s.chains.Mint(ctx, e, memo)
}
