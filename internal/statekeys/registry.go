package statekeys

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Repository persists keypairs. *MemoryRepository and *PostgresRepository
// satisfy this interface.
type Repository interface {
	// Create inserts k and sets its ID and CreatedAt. Returns ErrDuplicate if
	// the target already has a keypair: (TargetType, TargetID) for entity
	// keys, (TargetType, Identity) for party keys.
	Create(ctx context.Context, k *KeyPair) error
	GetByID(ctx context.Context, id int64) (*KeyPair, error)
	GetByTarget(ctx context.Context, targetType string, targetID int64) (*KeyPair, error)
	GetByPublicKey(ctx context.Context, publicKey string) (*KeyPair, error)
	GetByIdentity(ctx context.Context, targetType, identity string) (*KeyPair, error)
}

// Registry mints and looks up keypairs.
type Registry struct {
	repo   Repository
	logger *zap.Logger
}

// NewRegistry creates a Registry backed by repo.
func NewRegistry(repo Repository, logger *zap.Logger) *Registry {
	return &Registry{repo: repo, logger: logger}
}

// Register generates a fresh keypair for the entity (targetType, targetID) and
// persists it. The caller stores the returned key's ID on the entity.
func (r *Registry) Register(ctx context.Context, targetType string, targetID int64) (*KeyPair, error) {
	if targetID == 0 {
		return nil, ErrMissingTarget
	}
	pub, priv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	k := &KeyPair{
		TargetType: targetType,
		TargetID:   targetID,
		PublicKey:  pub,
		PrivateKey: priv,
	}
	if err := r.repo.Create(ctx, k); err != nil {
		return nil, fmt.Errorf("store key for %s %d: %w", targetType, targetID, err)
	}
	r.logger.Debug("state key registered",
		zap.Int64("key_id", k.ID),
		zap.String("target_type", targetType),
		zap.Int64("target_id", targetID),
	)
	return k, nil
}

// RegisterParty mints an identity keypair for an invoice party such as a
// station or organisation code.
func (r *Registry) RegisterParty(ctx context.Context, identity string) (*KeyPair, error) {
	if identity == "" {
		return nil, ErrMissingTarget
	}
	pub, priv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	k := &KeyPair{
		TargetType: TargetParty,
		Identity:   identity,
		PublicKey:  pub,
		PrivateKey: priv,
	}
	if err := r.repo.Create(ctx, k); err != nil {
		return nil, fmt.Errorf("store party key %q: %w", identity, err)
	}
	r.logger.Info("party key registered", zap.String("identity", identity), zap.Int64("key_id", k.ID))
	return k, nil
}

// RegisterGenesis records a key-less trust anchor for a system-seeded entity.
// Entities bound to a genesis keypair validate without a signature, so this
// must only be called by seeding code, never on a request path.
func (r *Registry) RegisterGenesis(ctx context.Context, targetType string, targetID int64) (*KeyPair, error) {
	if targetID == 0 {
		return nil, ErrMissingTarget
	}
	k := &KeyPair{
		TargetType: targetType,
		TargetID:   targetID,
		Identity:   GenesisIdentity,
	}
	if err := r.repo.Create(ctx, k); err != nil {
		return nil, fmt.Errorf("store genesis key for %s %d: %w", targetType, targetID, err)
	}
	r.logger.Warn("genesis key registered; entity will validate without signature",
		zap.String("target_type", targetType),
		zap.Int64("target_id", targetID),
	)
	return k, nil
}

// Find returns the keypair of the entity (targetType, targetID).
func (r *Registry) Find(ctx context.Context, targetType string, targetID int64) (*KeyPair, error) {
	return r.repo.GetByTarget(ctx, targetType, targetID)
}

// FindByID returns the keypair with the given key id.
func (r *Registry) FindByID(ctx context.Context, id int64) (*KeyPair, error) {
	return r.repo.GetByID(ctx, id)
}

// FindByPublicKey returns the keypair owning publicKey.
func (r *Registry) FindByPublicKey(ctx context.Context, publicKey string) (*KeyPair, error) {
	return r.repo.GetByPublicKey(ctx, publicKey)
}

// FindParty resolves a party identifier, or a party's public key, to its keypair.
func (r *Registry) FindParty(ctx context.Context, identifier string) (*KeyPair, error) {
	k, err := r.repo.GetByIdentity(ctx, TargetParty, identifier)
	if err == nil {
		return k, nil
	}
	k, pkErr := r.repo.GetByPublicKey(ctx, identifier)
	if pkErr != nil || k.TargetType != TargetParty {
		return nil, err
	}
	return k, nil
}

// CheckConsistency verifies that k's stored public key is the one derived
// from its stored private key.
func CheckConsistency(k *KeyPair) error {
	derived, err := PublicFromPrivate(k.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	if derived != k.PublicKey {
		return ErrKeyMismatch
	}
	return nil
}
