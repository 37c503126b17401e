package statechain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultRetirementThreshold is the block count a chain may reach before the
// append path retires it.
const DefaultRetirementThreshold = 49

// Options configures Chains.
type Options struct {
	// RetirementThreshold defaults to DefaultRetirementThreshold when zero.
	RetirementThreshold int

	// OnRetire is called after a chain has been retired.
	OnRetire func(ctx context.Context, c *Chain)
}

// Chains validates and appends entities to state chains.
type Chains struct {
	entities  EntityStore
	chains    ChainStore
	signer    *Signer
	threshold int
	onRetire  func(ctx context.Context, c *Chain)
	locks     *keyedMutex
	logger    *zap.Logger
}

// NewChains creates a Chains service.
func NewChains(entities EntityStore, chains ChainStore, signer *Signer, opts Options, logger *zap.Logger) *Chains {
	if opts.RetirementThreshold <= 0 {
		opts.RetirementThreshold = DefaultRetirementThreshold
	}
	return &Chains{
		entities:  entities,
		chains:    chains,
		signer:    signer,
		threshold: opts.RetirementThreshold,
		onRetire:  opts.OnRetire,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// FindOrCreate returns the active chain of (contextKey, kind), creating it on
// first use.
func (s *Chains) FindOrCreate(ctx context.Context, contextKey string, kind Kind) (*Chain, error) {
	c, err := s.chains.ActiveChain(ctx, contextKey, kind)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find chain %q: %w", contextKey, err)
	}

	c = &Chain{ContextKey: contextKey, Kind: kind}
	if err := s.chains.CreateChain(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.chains.ActiveChain(ctx, contextKey, kind)
		}
		return nil, fmt.Errorf("create chain %q: %w", contextKey, err)
	}
	s.logger.Debug("state chain created",
		zap.Int64("chain_id", c.ID),
		zap.String("context", contextKey),
		zap.String("kind", string(kind)),
	)
	return c, nil
}

// PeekLastState returns the entity referenced by the chain's last block, or
// nil for an empty chain. It never mutates the chain.
func (s *Chains) PeekLastState(ctx context.Context, c *Chain) (Entity, error) {
	b, ok := c.LastBlock()
	if !ok {
		return nil, nil
	}
	e, err := s.entities.Get(ctx, b.Kind, b.TargetID)
	if err != nil {
		return nil, fmt.Errorf("load last state %s %d: %w", b.Kind, b.TargetID, err)
	}
	return e, nil
}

// RetireIfOverThreshold retires c when it holds more blocks than the
// threshold. It reports whether this call retired the chain; when another
// caller got there first c is marked retired and false is returned, so
// OnRetire fires once per chain.
func (s *Chains) RetireIfOverThreshold(ctx context.Context, c *Chain) (bool, error) {
	if c.Retired || len(c.Blocks) <= s.threshold {
		return false, nil
	}
	flipped, err := s.chains.Retire(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("retire chain %d: %w", c.ID, err)
	}
	c.Retired = true
	if !flipped {
		return false, nil
	}
	s.logger.Info("state chain retired",
		zap.Int64("chain_id", c.ID),
		zap.String("context", c.ContextKey),
		zap.Int("blocks", len(c.Blocks)),
	)
	if s.onRetire != nil {
		s.onRetire(ctx, c)
	}
	return true, nil
}

// LastState retires c if it is over the threshold and otherwise returns its
// last state. ErrChainRetired is returned for a retired chain so callers can
// tell a closed chain from an empty one.
func (s *Chains) LastState(ctx context.Context, c *Chain) (Entity, error) {
	if c.Retired {
		return nil, ErrChainRetired
	}
	if _, err := s.RetireIfOverThreshold(ctx, c); err != nil {
		return nil, err
	}
	if c.Retired {
		return nil, ErrChainRetired
	}
	return s.PeekLastState(ctx, c)
}

// AddState validates e against the chain's last state and appends it.
func (s *Chains) AddState(ctx context.Context, c *Chain, e Entity, memo Memo) error {
	if c.Retired {
		return ErrChainRetired
	}
	if e.Kind() != c.Kind {
		return fmt.Errorf("%w: %s onto %s chain", ErrWrongKind, e.Kind(), c.Kind)
	}
	if memo == nil {
		memo = NewBoundedMemo(s.threshold + 2)
	}
	h := e.Head()

	ok, err := s.signer.IsValid(ctx, e, memo)
	if errors.Is(err, ErrMissingSignature) {
		return fmt.Errorf("%w: %s %d", ErrSignedTransactionRequired, e.Kind(), h.ID)
	}
	if err != nil {
		return err
	}
	if !ok {
		s.integrityFailure(c, e, "new state failed verification")
		return fmt.Errorf("%w: %s %d failed verification", ErrHackingAttempt, e.Kind(), h.ID)
	}

	last, err := s.PeekLastState(ctx, c)
	if err != nil {
		return err
	}
	var expectedLast int64
	if last != nil {
		lastOK, err := s.signer.IsValid(ctx, last, memo)
		if err != nil && !errors.Is(err, ErrMissingSignature) {
			return err
		}
		if !lastOK || err != nil {
			s.integrityFailure(c, last, "last state failed verification")
			return fmt.Errorf("%w: last state %s %d failed verification", ErrHackingAttempt, last.Kind(), last.Head().ID)
		}
		if h.Previous == 0 {
			return ErrPreviousRequired
		}
		if h.Previous != last.Head().ID {
			return fmt.Errorf("%w: previous %d, last state %d", ErrForkAttempt, h.Previous, last.Head().ID)
		}
		lb, _ := c.LastBlock()
		expectedLast = lb.ID
	} else if h.Previous != 0 {
		return fmt.Errorf("%w: previous %d on empty chain", ErrForkAttempt, h.Previous)
	}
	if !h.Signed() {
		return ErrSignedTransactionRequired
	}

	b := &Block{Kind: e.Kind(), TargetID: h.ID}
	if err := s.chains.AppendBlock(ctx, c.ID, expectedLast, b); err != nil {
		return err
	}
	c.Blocks = append(c.Blocks, *b)
	s.logger.Debug("state appended",
		zap.Int64("chain_id", c.ID),
		zap.Int64("block_id", b.ID),
		zap.String("kind", string(b.Kind)),
		zap.Int64("target_id", b.TargetID),
	)
	return nil
}

// ValidateAllStates verifies every entity on the chain and the previous links
// between consecutive blocks. It returns ErrHackingAttempt on the first
// failure.
func (s *Chains) ValidateAllStates(ctx context.Context, c *Chain) (bool, error) {
	memo := NewBoundedMemo(len(c.Blocks) + 1)
	var prevID int64
	for i, b := range c.Blocks {
		e, err := s.entities.Get(ctx, b.Kind, b.TargetID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, fmt.Errorf("%w: block %d references missing %s %d", ErrHackingAttempt, b.ID, b.Kind, b.TargetID)
			}
			return false, err
		}
		ok, err := s.signer.IsValid(ctx, e, memo)
		if err != nil && !errors.Is(err, ErrMissingSignature) {
			return false, err
		}
		if !ok || err != nil {
			s.integrityFailure(c, e, "state failed verification")
			return false, fmt.Errorf("%w: %s %d at block %d", ErrHackingAttempt, b.Kind, b.TargetID, b.ID)
		}
		if i > 0 && e.Head().Previous != prevID {
			s.integrityFailure(c, e, "previous link broken")
			return false, fmt.Errorf("%w: %s %d does not link to %d", ErrHackingAttempt, b.Kind, b.TargetID, prevID)
		}
		prevID = e.Head().ID
	}
	return true, nil
}

// QueryStates returns the chain's entities matching f.
func (s *Chains) QueryStates(ctx context.Context, c *Chain, f Filter) ([]Entity, error) {
	if len(c.Blocks) == 0 {
		return nil, nil
	}
	return s.entities.Find(ctx, c.Kind, c.TargetIDs(), f)
}

// Chains returns every chain of contextKey, retired ones included.
func (s *Chains) Chains(ctx context.Context, contextKey string) ([]*Chain, error) {
	return s.chains.ListChains(ctx, contextKey)
}

// ContextKeys returns every context that has a chain.
func (s *Chains) ContextKeys(ctx context.Context) ([]string, error) {
	return s.chains.ContextKeys(ctx)
}

func (s *Chains) integrityFailure(c *Chain, e Entity, msg string) {
	s.logger.Error(msg,
		zap.Int64("chain_id", c.ID),
		zap.String("context", c.ContextKey),
		zap.String("kind", string(e.Kind())),
		zap.Int64("entity_id", e.Head().ID),
		zap.Int64("previous", e.Head().Previous),
	)
}

// Mint stores the unsigned entity e, registers its keypair, signs it and
// seals the stored row. On failure the stored entity is discarded. e's
// Previous and CreatedAt must already be set.
func (s *Chains) Mint(ctx context.Context, e Entity, memo Memo) error {
	h := e.Head()
	if h.CreatedAt.IsZero() {
		return fmt.Errorf("mint %s: created_at not set", e.Kind())
	}
	if err := s.entities.Insert(ctx, e); err != nil {
		return fmt.Errorf("insert %s: %w", e.Kind(), err)
	}

	fail := func(err error) error {
		if dErr := s.entities.Discard(ctx, e.Kind(), h.ID); dErr != nil {
			s.logger.Error("discard unsigned entity",
				zap.String("kind", string(e.Kind())),
				zap.Int64("entity_id", h.ID),
				zap.Error(dErr),
			)
		}
		return err
	}

	key, err := s.signer.keys.Register(ctx, string(e.Kind()), h.ID)
	if err != nil {
		return fail(fmt.Errorf("register key: %w", err))
	}
	h.StateKeyID = key.ID

	sig, err := s.signer.Sign(ctx, e, memo)
	if err != nil {
		return fail(fmt.Errorf("sign %s %d: %w", e.Kind(), h.ID, err))
	}
	if err := s.entities.Seal(ctx, e.Kind(), h.ID, key.ID, sig); err != nil {
		return fail(fmt.Errorf("seal %s %d: %w", e.Kind(), h.ID, err))
	}
	h.Signature = sig
	return nil
}

// Signer returns the signer used to validate appends.
func (s *Chains) Signer() *Signer { return s.signer }

// Entities returns the underlying entity store.
func (s *Chains) Entities() EntityStore { return s.entities }
