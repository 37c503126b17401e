package statechain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe EntityStore and ChainStore.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[Kind]map[int64]Entity
	nextEntity  map[Kind]int64
	chains      map[int64]*Chain
	nextChainID int64
	nextBlockID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[Kind]map[int64]Entity),
		nextEntity: make(map[Kind]int64),
		chains:     make(map[int64]*Chain),
	}
}

// Insert implements EntityStore.
func (s *MemoryStore) Insert(_ context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Head().Signed() {
		return ErrImmutable
	}
	kind := e.Kind()
	if s.entities[kind] == nil {
		s.entities[kind] = make(map[int64]Entity)
	}
	s.nextEntity[kind]++
	e.Head().ID = s.nextEntity[kind]
	s.entities[kind][e.Head().ID] = cloneEntity(e)
	return nil
}

// Get implements EntityLoader.
func (s *MemoryStore) Get(_ context.Context, kind Kind, id int64) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return cloneEntity(e), nil
}

// Seal implements EntityStore.
func (s *MemoryStore) Seal(_ context.Context, kind Kind, id, stateKeyID int64, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	h := e.Head()
	if h.Signed() {
		return ErrImmutable
	}
	h.StateKeyID = stateKeyID
	h.Signature = signature
	return nil
}

// SetRequestSignature implements EntityStore.
func (s *MemoryStore) SetRequestSignature(_ context.Context, kind Kind, id int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	e.Head().RequestSignature = token
	return nil
}

// Discard implements EntityStore.
func (s *MemoryStore) Discard(_ context.Context, kind Kind, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities[kind], id)
	return nil
}

// Find implements EntityStore.
func (s *MemoryStore) Find(_ context.Context, kind Kind, ids []int64, f Filter) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	if ids != nil {
		for _, id := range ids {
			if e, ok := s.entities[kind][id]; ok && f.Match(e) {
				out = append(out, cloneEntity(e))
			}
		}
	} else {
		for _, e := range s.entities[kind] {
			if f.Match(e) {
				out = append(out, cloneEntity(e))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Head().ID < out[j].Head().ID })
	return out, nil
}

// ActiveChain implements ChainStore.
func (s *MemoryStore) ActiveChain(_ context.Context, contextKey string, kind Kind) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chains {
		if c.ContextKey == contextKey && c.Kind == kind && !c.Retired {
			return copyChain(c), nil
		}
	}
	return nil, fmt.Errorf("chain %q: %w", contextKey, ErrNotFound)
}

// CreateChain implements ChainStore.
func (s *MemoryStore) CreateChain(_ context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.chains {
		if existing.ContextKey == c.ContextKey && existing.Kind == c.Kind && !existing.Retired {
			return ErrDuplicate
		}
	}
	s.nextChainID++
	c.ID = s.nextChainID
	c.CreatedAt = time.Now().UTC()
	s.chains[c.ID] = copyChain(c)
	return nil
}

// GetChain implements ChainStore.
func (s *MemoryStore) GetChain(_ context.Context, id int64) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[id]
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", id, ErrNotFound)
	}
	return copyChain(c), nil
}

// ListChains implements ChainStore.
func (s *MemoryStore) ListChains(_ context.Context, contextKey string) ([]*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Chain
	for _, c := range s.chains {
		if c.ContextKey == contextKey {
			out = append(out, copyChain(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ContextKeys implements ChainStore.
func (s *MemoryStore) ContextKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.chains {
		if !seen[c.ContextKey] {
			seen[c.ContextKey] = true
			out = append(out, c.ContextKey)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AppendBlock implements ChainStore.
func (s *MemoryStore) AppendBlock(_ context.Context, chainID, expectedLast int64, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainID]
	if !ok {
		return fmt.Errorf("chain %d: %w", chainID, ErrNotFound)
	}
	if c.Retired {
		return ErrChainRetired
	}
	var last int64
	if lb, ok := c.LastBlock(); ok {
		last = lb.ID
	}
	if last != expectedLast {
		return ErrConflict
	}
	s.nextBlockID++
	b.ID = s.nextBlockID
	c.Blocks = append(c.Blocks, *b)
	return nil
}

// Retire implements ChainStore.
func (s *MemoryStore) Retire(_ context.Context, chainID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[chainID]
	if !ok {
		return false, fmt.Errorf("chain %d: %w", chainID, ErrNotFound)
	}
	if c.Retired {
		return false, nil
	}
	c.Retired = true
	return true, nil
}

func copyChain(c *Chain) *Chain {
	cp := *c
	cp.Blocks = append([]Block(nil), c.Blocks...)
	return &cp
}
