package statekeys

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-memory, thread-safe Repository for tests and
// single-process deployments.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*KeyPair
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[int64]*KeyPair)}
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, k *KeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.TargetType != k.TargetType {
			continue
		}
		if k.TargetType == TargetParty && existing.Identity == k.Identity {
			return ErrDuplicate
		}
		if k.TargetType != TargetParty && existing.TargetID == k.TargetID {
			return ErrDuplicate
		}
	}
	r.nextID++
	k.ID = r.nextID
	k.CreatedAt = time.Now().UTC()
	cp := *k
	r.byID[k.ID] = &cp
	return nil
}

// GetByID implements Repository.
func (r *MemoryRepository) GetByID(_ context.Context, id int64) (*KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

// GetByTarget implements Repository. Identity keys are not matched.
func (r *MemoryRepository) GetByTarget(_ context.Context, targetType string, targetID int64) (*KeyPair, error) {
	return r.first(func(k *KeyPair) bool {
		return k.TargetType == targetType && k.TargetID == targetID && k.TargetType != TargetParty
	})
}

// GetByPublicKey implements Repository.
func (r *MemoryRepository) GetByPublicKey(_ context.Context, publicKey string) (*KeyPair, error) {
	if publicKey == "" {
		return nil, ErrNotFound
	}
	return r.first(func(k *KeyPair) bool { return k.PublicKey == publicKey })
}

// GetByIdentity implements Repository.
func (r *MemoryRepository) GetByIdentity(_ context.Context, targetType, identity string) (*KeyPair, error) {
	return r.first(func(k *KeyPair) bool { return k.TargetType == targetType && k.Identity == identity })
}

func (r *MemoryRepository) first(match func(*KeyPair) bool) (*KeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.byID {
		if match(k) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
