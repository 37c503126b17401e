package statechain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// BuildFunc creates, stores and signs the entity to append after last (nil
// on an empty chain). memo is shared with the append validation.
type BuildFunc func(ctx context.Context, last Entity, memo Memo) (Entity, error)

// Append adds a new entity to the active chain of (contextKey, kind).
//
// Appends to one context are serialised in-process; across processes the
// store's conditional append detects a lost race with ErrConflict, in which
// case the built entity is discarded and the append is rebuilt on the new
// last state. A chain over the retirement threshold is retired and the
// entity starts a fresh chain for the same context; the same holds when
// another writer retired the chain between the read and the append.
func (s *Chains) Append(ctx context.Context, contextKey string, kind Kind, build BuildFunc) (Entity, *Chain, error) {
	var (
		entity Entity
		chain  *Chain
	)
	op := func() error {
		var err error
		entity, chain, err = s.appendOnce(ctx, contextKey, kind, build)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrChainRetired) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	attempts := 0
	notify := func(err error, next time.Duration) {
		attempts++
		s.logger.Warn("state append lost race, retrying",
			zap.String("context", contextKey),
			zap.Int("attempt", attempts),
			zap.Duration("next_retry_in", next),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, nil, err
	}
	return entity, chain, nil
}

func (s *Chains) appendOnce(ctx context.Context, contextKey string, kind Kind, build BuildFunc) (Entity, *Chain, error) {
	unlock := s.locks.lock(string(kind) + "|" + contextKey)
	defer unlock()

	c, err := s.FindOrCreate(ctx, contextKey, kind)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.RetireIfOverThreshold(ctx, c); err != nil {
		return nil, nil, err
	}
	if c.Retired {
		if c, err = s.FindOrCreate(ctx, contextKey, kind); err != nil {
			return nil, nil, err
		}
	}

	last, err := s.PeekLastState(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	memo := NewBoundedMemo(s.threshold + 2)
	e, err := build(ctx, last, memo)
	if err != nil {
		return nil, nil, err
	}

	if err := s.AddState(ctx, c, e, memo); err != nil {
		if dErr := s.entities.Discard(ctx, e.Kind(), e.Head().ID); dErr != nil {
			s.logger.Error("discard unchained entity",
				zap.String("kind", string(e.Kind())),
				zap.Int64("entity_id", e.Head().ID),
				zap.Error(dErr),
			)
		}
		return nil, nil, err
	}
	return e, c, nil
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
