package statechain

import (
	"context"
	"time"
)

// Block references one entity appended to a chain.
type Block struct {
	ID       int64 `json:"id"`
	Kind     Kind  `json:"kind"`
	TargetID int64 `json:"target_id"`
}

// Chain is the append-only block list of one ledger context.
type Chain struct {
	ID         int64     `json:"id"`
	ContextKey string    `json:"context_key"`
	Kind       Kind      `json:"kind"`
	Blocks     []Block   `json:"blocks"`
	Retired    bool      `json:"retired"`
	CreatedAt  time.Time `json:"created_at"`
}

// LastBlock returns the block with the highest id.
func (c *Chain) LastBlock() (Block, bool) {
	if len(c.Blocks) == 0 {
		return Block{}, false
	}
	return c.Blocks[len(c.Blocks)-1], true
}

// TargetIDs returns the entity ids referenced by the chain in block order.
func (c *Chain) TargetIDs() []int64 {
	ids := make([]int64, len(c.Blocks))
	for i, b := range c.Blocks {
		ids[i] = b.TargetID
	}
	return ids
}

// EntityStore persists chain entities. Payload fields are written only by
// Insert; once Seal has stored a signature the entity is immutable.
type EntityStore interface {
	EntityLoader

	// Insert stores an unsigned entity and sets its ID.
	Insert(ctx context.Context, e Entity) error

	// Seal records the state key and signature of an unsigned entity.
	// Returns ErrImmutable if the entity is already signed.
	Seal(ctx context.Context, kind Kind, id, stateKeyID int64, signature string) error

	// SetRequestSignature replaces the entity's current approval token.
	SetRequestSignature(ctx context.Context, kind Kind, id int64, token string) error

	// Discard removes an entity that never made it onto a chain.
	Discard(ctx context.Context, kind Kind, id int64) error

	// Find returns entities of kind matching f, restricted to ids when ids is
	// non-nil, ordered by id.
	Find(ctx context.Context, kind Kind, ids []int64, f Filter) ([]Entity, error)
}

// ChainStore persists chains and their blocks.
type ChainStore interface {
	// ActiveChain returns the non-retired chain of (contextKey, kind).
	ActiveChain(ctx context.Context, contextKey string, kind Kind) (*Chain, error)

	// CreateChain stores c and sets its ID. Returns ErrDuplicate if an
	// active chain already exists for the context.
	CreateChain(ctx context.Context, c *Chain) error

	GetChain(ctx context.Context, id int64) (*Chain, error)

	// ListChains returns every chain of contextKey, retired ones included,
	// ordered by id.
	ListChains(ctx context.Context, contextKey string) ([]*Chain, error)

	// ContextKeys returns every context that has at least one chain, sorted.
	ContextKeys(ctx context.Context) ([]string, error)

	// AppendBlock appends b to the chain and sets b.ID, provided the chain's
	// last block id still equals expectedLast (0 for an empty chain).
	// Returns ErrConflict otherwise and ErrChainRetired on a retired chain.
	AppendBlock(ctx context.Context, chainID, expectedLast int64, b *Block) error

	// Retire marks the chain retired and reports whether this call changed
	// the flag. Retiring an already retired chain returns false.
	Retire(ctx context.Context, chainID int64) (bool, error)
}

// Filter narrows entity queries. Zero fields match everything.
type Filter struct {
	Party    string // cost codes where From or To equals Party
	From     string
	To       string
	Currency string
	CostCode string
	Status   Status
	Origin   *int64
	Since    time.Time
	Until    time.Time
}

// Match reports whether e satisfies f.
func (f Filter) Match(e Entity) bool {
	h := e.Head()
	if !f.Since.IsZero() && h.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !h.CreatedAt.Before(f.Until) {
		return false
	}

	switch v := e.(type) {
	case *CostCode:
		if f.Party != "" && v.From != f.Party && v.To != f.Party {
			return false
		}
		if f.From != "" && v.From != f.From {
			return false
		}
		if f.To != "" && v.To != f.To {
			return false
		}
		if f.Currency != "" && v.Currency != f.Currency {
			return false
		}
	case *CostRequest:
		if f.CostCode != "" && v.CostCode != f.CostCode {
			return false
		}
		if f.Status != "" && v.Status != f.Status {
			return false
		}
		if f.Origin != nil && v.Origin != *f.Origin {
			return false
		}
		if f.Currency != "" && v.Currency != f.Currency {
			return false
		}
	}
	return true
}
