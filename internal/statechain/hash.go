package statechain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 form of CreatedAt used as hash material.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// EntityLoader fetches a stored entity by kind and id.
type EntityLoader interface {
	Get(ctx context.Context, kind Kind, id int64) (Entity, error)
}

// FormatTimestamp renders t as it appears in hash material.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// digest computes SHA-256 over the previous hash, the entity's hash fields,
// its key id, its own id and its creation time, joined with "|".
func digest(prevHash string, e Entity) [32]byte {
	h := e.Head()
	fields := e.HashFields()
	parts := make([]string, 0, len(fields)+4)
	parts = append(parts, prevHash)
	parts = append(parts, fields...)
	parts = append(parts,
		strconv.FormatInt(h.StateKeyID, 10),
		strconv.FormatInt(h.ID, 10),
		FormatTimestamp(h.CreatedAt),
	)
	return sha256.Sum256([]byte(strings.Join(parts, "|")))
}

// CalculateHash returns the hex hash of e including its ancestry. Ancestors
// are resolved through loader and every computed hash is recorded in memo, so
// hashing each entity of a chain in order costs O(n) overall.
//
// A memo table must not outlive the operation that created it: a cached
// hash hides any change made to the stored entity afterwards.
func CalculateHash(ctx context.Context, loader EntityLoader, e Entity, memo Memo) (string, error) {
	if memo == nil {
		memo = NewMemo()
	}
	if id := e.Head().ID; id != 0 {
		if h, ok := memo.Get(memoKey(e.Kind(), id)); ok {
			return h, nil
		}
	}

	pending := []Entity{e}
	seen := map[int64]bool{e.Head().ID: true}
	seed := ""
	cur := e
	for cur.Head().Previous != 0 {
		prevID := cur.Head().Previous
		if h, ok := memo.Get(memoKey(e.Kind(), prevID)); ok {
			seed = h
			break
		}
		if seen[prevID] {
			return "", fmt.Errorf("%w: previous cycle at %s %d", ErrHackingAttempt, e.Kind(), prevID)
		}
		seen[prevID] = true

		prev, err := loader.Get(ctx, e.Kind(), prevID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return "", fmt.Errorf("%w: previous %s %d missing", ErrHackingAttempt, e.Kind(), prevID)
			}
			return "", fmt.Errorf("load previous %s %d: %w", e.Kind(), prevID, err)
		}
		pending = append(pending, prev)
		cur = prev
	}

	for i := len(pending) - 1; i >= 0; i-- {
		sum := digest(seed, pending[i])
		seed = hex.EncodeToString(sum[:])
		if id := pending[i].Head().ID; id != 0 {
			memo.Set(memoKey(e.Kind(), id), seed)
		}
	}
	return seed, nil
}
