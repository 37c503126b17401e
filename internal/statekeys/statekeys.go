// Package statekeys mints and stores the per-entity secp256k1 keypairs used to
// sign state chain entities.
//
// Every signable entity instance owns exactly one KeyPair, keyed by its type
// tag and id. Invoice parties (stations, organisations) own identity keypairs
// with TargetType "party". Private keys never leave this package in serialised
// form: KeyPair.PrivateKey is excluded from JSON and Redacted clears it.
package statekeys

import (
	"errors"
	"time"
)

// TargetParty is the TargetType of keypairs that identify invoice parties
// rather than chain entities.
const TargetParty = "party"

// GenesisIdentity marks a keypair for a system-seeded entity that is trusted
// without signature verification. Genesis keypairs carry no key material.
const GenesisIdentity = "genesis"

var (
	// ErrNotFound is returned when no keypair matches a lookup.
	ErrNotFound = errors.New("statekeys: key not found")

	// ErrMissingTarget is returned when a key is requested for an entity that
	// has not been persisted yet.
	ErrMissingTarget = errors.New("statekeys: target has no id")

	// ErrDuplicate is returned when a keypair already exists for a target.
	ErrDuplicate = errors.New("statekeys: key already registered for target")

	// ErrKeyMismatch is returned when a stored public key does not match the
	// key derived from the stored private key.
	ErrKeyMismatch = errors.New("statekeys: public key does not match private key")
)

// KeyPair is the signing credential of one entity instance or party.
type KeyPair struct {
	ID         int64     `json:"id"          db:"id"`
	TargetType string    `json:"target_type" db:"target_type"`
	TargetID   int64     `json:"target_id"   db:"target_id"`
	Identity   string    `json:"identity"    db:"identity"`
	PublicKey  string    `json:"public_key"  db:"public_key"`
	PrivateKey string    `json:"-"           db:"private_key"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// IsGenesis reports whether the keypair belongs to a trusted system entity.
func (k *KeyPair) IsGenesis() bool {
	return k.PublicKey == "" && k.Identity == GenesisIdentity
}

// Redacted returns a copy of k with the private key cleared.
func (k *KeyPair) Redacted() *KeyPair {
	cp := *k
	cp.PrivateKey = ""
	return &cp
}
