package statechain

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memo caches entity hashes by kind and id for the duration of one operation.
type Memo interface {
	Get(key string) (string, bool)
	Set(key, hash string)
}

func memoKey(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

type mapMemo struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemo returns an unbounded memo table.
func NewMemo() Memo {
	return &mapMemo{m: make(map[string]string)}
}

func (m *mapMemo) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.m[key]
	return h, ok
}

func (m *mapMemo) Set(key, hash string) {
	m.mu.Lock()
	m.m[key] = hash
	m.mu.Unlock()
}

type lruMemo struct {
	cache *lru.Cache[string, string]
}

// NewBoundedMemo returns a memo table holding at most size hashes, evicting
// the least recently used. A non-positive size yields an unbounded table.
func NewBoundedMemo(size int) Memo {
	if size <= 0 {
		return NewMemo()
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return NewMemo()
	}
	return &lruMemo{cache: cache}
}

func (m *lruMemo) Get(key string) (string, bool) { return m.cache.Get(key) }

func (m *lruMemo) Set(key, hash string) { m.cache.Add(key, hash) }
