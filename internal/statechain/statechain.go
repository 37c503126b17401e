// Package statechain implements signed, hash-chained ledger entities and the
// append-only chains that index them.
//
// Each entity (CostCode, CostRequest) hashes an explicit list of its own
// fields together with the hash of its predecessor, and is signed once with
// the secp256k1 key minted for it by package statekeys. A Chain is the ordered
// block list of one ledger context; appends are validated against the chain's
// last state and serialised per context. Chains retire once they exceed the
// retirement threshold and a fresh chain continues the same context.
//
// Two store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package statechain

import "errors"

var (
	ErrNotFound                  = errors.New("statechain: not found")
	ErrHackingAttempt            = errors.New("statechain: hacking attempt")
	ErrPreviousRequired          = errors.New("statechain: previous state required")
	ErrForkAttempt               = errors.New("statechain: previous does not reference the last state")
	ErrSignedTransactionRequired = errors.New("statechain: signed transaction required")
	ErrMissingSignature          = errors.New("statechain: missing signature")
	ErrChainRetired              = errors.New("statechain: chain retired")
	ErrConflict                  = errors.New("statechain: concurrent append")
	ErrImmutable                 = errors.New("statechain: entity already signed")
	ErrDuplicate                 = errors.New("statechain: active chain already exists")
	ErrWrongKind                 = errors.New("statechain: entity kind does not match chain")
)
