package statechain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmerrifield20/stateledger/internal/statekeys"
	"go.uber.org/zap"
)

// Keys mints and looks up entity keypairs. *statekeys.Registry satisfies it.
type Keys interface {
	Register(ctx context.Context, targetType string, targetID int64) (*statekeys.KeyPair, error)
	Find(ctx context.Context, targetType string, targetID int64) (*statekeys.KeyPair, error)
	FindByID(ctx context.Context, id int64) (*statekeys.KeyPair, error)
}

// Signer signs entities and verifies their signatures.
type Signer struct {
	keys   Keys
	loader EntityLoader
	logger *zap.Logger
}

// NewSigner creates a Signer. loader resolves ancestors while hashing.
func NewSigner(keys Keys, loader EntityLoader, logger *zap.Logger) *Signer {
	return &Signer{keys: keys, loader: loader, logger: logger}
}

// Hash returns the chain hash of e.
func (s *Signer) Hash(ctx context.Context, e Entity, memo Memo) (string, error) {
	return CalculateHash(ctx, s.loader, e, memo)
}

// Sign hashes e and signs the hash with the private key referenced by
// e.StateKeyID. It returns the hex DER signature without storing it.
func (s *Signer) Sign(ctx context.Context, e Entity, memo Memo) (string, error) {
	h := e.Head()
	key, err := s.keys.FindByID(ctx, h.StateKeyID)
	if err != nil {
		return "", fmt.Errorf("load state key %d: %w", h.StateKeyID, err)
	}
	if key.TargetType != string(e.Kind()) || key.TargetID != h.ID {
		s.logger.Error("state key bound to another target",
			zap.Int64("key_id", key.ID),
			zap.String("kind", string(e.Kind())),
			zap.Int64("entity_id", h.ID),
		)
		return "", statekeys.ErrKeyMismatch
	}
	if err := statekeys.CheckConsistency(key); err != nil {
		s.logger.Error("state key failed consistency check",
			zap.Int64("key_id", key.ID),
			zap.Error(err),
		)
		return "", err
	}

	hash, err := s.Hash(ctx, e, memo)
	if err != nil {
		return "", err
	}
	sum, err := hex.DecodeString(hash)
	if err != nil {
		return "", fmt.Errorf("decode hash: %w", err)
	}
	return statekeys.Sign(key.PrivateKey, sum)
}

// IsValid reports whether e's signature verifies against its stored public
// key over its recomputed hash. Entities bound to a genesis key are trusted.
// A failed verification returns false with a nil error; ErrMissingSignature
// is returned for an unsigned entity.
func (s *Signer) IsValid(ctx context.Context, e Entity, memo Memo) (bool, error) {
	h := e.Head()
	key, err := s.keys.Find(ctx, string(e.Kind()), h.ID)
	if err != nil {
		if errors.Is(err, statekeys.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load state key for %s %d: %w", e.Kind(), h.ID, err)
	}
	if key.IsGenesis() {
		return true, nil
	}
	if key.PublicKey == "" || key.ID != h.StateKeyID {
		return false, nil
	}
	if !h.Signed() {
		return false, ErrMissingSignature
	}

	hash, err := s.Hash(ctx, e, memo)
	if err != nil {
		if errors.Is(err, ErrHackingAttempt) {
			return false, nil
		}
		return false, err
	}
	sum, err := hex.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	return statekeys.Verify(key.PublicKey, sum, h.Signature), nil
}
