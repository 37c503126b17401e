package ledger

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/stateledger/internal/approval"
	"github.com/jmerrifield20/stateledger/internal/statechain"
	"github.com/jmerrifield20/stateledger/internal/statekeys"
	"go.uber.org/zap"
)

// TokenTTL is the lifetime of newly issued approval tokens.
func (s *Service) TokenTTL() time.Duration { return s.tokens.TTL() }

// IssueApprovalToken mints a token bound to e's public key and stores it as
// e's current request signature, superseding any earlier token.
func (s *Service) IssueApprovalToken(ctx context.Context, e statechain.Entity) (string, error) {
	h := e.Head()
	key, err := s.keys.Find(ctx, string(e.Kind()), h.ID)
	if err != nil {
		if errors.Is(err, statekeys.ErrNotFound) {
			return "", fmt.Errorf("%w: %s %d has no key", ErrTokenIssueFailure, e.Kind(), h.ID)
		}
		return "", fmt.Errorf("load key for %s %d: %w", e.Kind(), h.ID, err)
	}
	if key.PublicKey == "" {
		return "", fmt.Errorf("%w: %s %d has no public key", ErrTokenIssueFailure, e.Kind(), h.ID)
	}

	token, claims, err := s.tokens.Issue(string(e.Kind()), h.ID, key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenIssueFailure, err)
	}
	if err := s.entities.SetRequestSignature(ctx, e.Kind(), h.ID, token); err != nil {
		return "", fmt.Errorf("store approval token for %s %d: %w", e.Kind(), h.ID, err)
	}
	h.RequestSignature = token
	recordToken("issued")
	s.logger.Info("approval token issued",
		zap.String("kind", string(e.Kind())),
		zap.Int64("entity_id", h.ID),
		zap.String("jti", claims.ID),
		zap.Time("expires_at", claims.ExpiresAt.Time),
	)
	return token, nil
}

// VerifyApprovalToken checks the token's signature and expiry, resolves the
// entity owning the embedded public key and requires the token to still be
// that entity's current request signature.
func (s *Service) VerifyApprovalToken(ctx context.Context, token string) (statechain.Entity, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		recordToken("rejected")
		if errors.Is(err, approval.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrApprovalTokenNotVerified, err)
	}

	key, err := s.keys.FindByPublicKey(ctx, claims.PublicKey)
	if err != nil {
		recordToken("rejected")
		return nil, fmt.Errorf("%w: unknown public key", ErrApprovalTokenNotVerified)
	}
	if key.TargetType != claims.Kind || key.TargetID != claims.EntityID {
		recordToken("rejected")
		return nil, fmt.Errorf("%w: key does not belong to %s", ErrApprovalTokenNotVerified, claims.Subject)
	}

	e, err := s.entities.Get(ctx, statechain.Kind(key.TargetType), key.TargetID)
	if err != nil {
		recordToken("rejected")
		return nil, fmt.Errorf("%w: %s not found", ErrApprovalTokenNotVerified, claims.Subject)
	}
	current := e.Head().RequestSignature
	if current == "" || subtle.ConstantTimeCompare([]byte(current), []byte(token)) != 1 {
		recordToken("rejected")
		s.logger.Warn("superseded approval token presented",
			zap.String("subject", claims.Subject),
			zap.String("jti", claims.ID),
		)
		return nil, fmt.Errorf("%w: token superseded", ErrApprovalTokenNotVerified)
	}
	recordToken("verified")
	return e, nil
}

// ApproveWithToken verifies token, decides the cost request it was issued for
// and consumes the token.
func (s *Service) ApproveWithToken(ctx context.Context, token string, status statechain.Status, hooks ApprovalHooks) (*statechain.CostRequest, error) {
	e, err := s.VerifyApprovalToken(ctx, token)
	if err != nil {
		return nil, err
	}
	req, ok := e.(*statechain.CostRequest)
	if !ok {
		return nil, invalid("token was not issued for a cost request")
	}
	decision, err := s.SetApproval(ctx, status, req, hooks)
	if err != nil {
		return nil, err
	}
	if err := s.entities.SetRequestSignature(ctx, req.Kind(), req.ID, ""); err != nil {
		s.logger.Error("consume approval token",
			zap.Int64("request_id", req.ID),
			zap.Error(err),
		)
	}
	return decision, nil
}
