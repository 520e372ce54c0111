package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. Writes made inside WithTx
// are staged and applied only when fn returns nil, so a failed or cancelled
// append leaves no rows behind.
type MemoryStore struct {
	mu      sync.RWMutex
	blocks  []*Block // ascending by Index
	entries []*ChainEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

type memTx struct {
	s       *MemoryStore
	blocks  []*Block
	entries []*ChainEntry
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := int64(0)
	if n := len(s.blocks); n > 0 {
		next = s.blocks[n-1].Index + 1
	}
	for _, b := range tx.blocks {
		if b.Index != next {
			return fmt.Errorf("%w: block index %d already taken or out of sequence", ErrConflict, b.Index)
		}
		next++
	}
	for _, b := range tx.blocks {
		cp := *b
		s.blocks = append(s.blocks, &cp)
	}
	for _, e := range tx.entries {
		s.entries = append(s.entries, cloneEntry(e))
	}
	return nil
}

func (t *memTx) LastBlock(_ context.Context) (int64, string, error) {
	if n := len(t.blocks); n > 0 {
		return t.blocks[n-1].Index, t.blocks[n-1].Hash, nil
	}
	if n := len(t.s.blocks); n > 0 {
		return t.s.blocks[n-1].Index, t.s.blocks[n-1].Hash, nil
	}
	return -1, GenesisHash, nil
}

func (t *memTx) LastHMAC(_ context.Context) (string, error) {
	if n := len(t.entries); n > 0 {
		return t.entries[n-1].HMACChain, nil
	}
	if n := len(t.s.entries); n > 0 {
		return t.s.entries[n-1].HMACChain, nil
	}
	return GenesisHash, nil
}

func (t *memTx) InsertBlock(_ context.Context, b *Block) error {
	t.blocks = append(t.blocks, b)
	return nil
}

func (t *memTx) InsertEntries(_ context.Context, entries []*ChainEntry) error {
	t.entries = append(t.entries, entries...)
	return nil
}

// LatestBlock implements Store.
func (s *MemoryStore) LatestBlock(_ context.Context) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, ErrNotFound
	}
	cp := *s.blocks[len(s.blocks)-1]
	return &cp, nil
}

// Block implements Store.
func (s *MemoryStore) Block(_ context.Context, index int64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.blocks {
		if b.Index == index {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListBlocks implements Store.
func (s *MemoryStore) ListBlocks(_ context.Context, from int64, limit int) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Block
	for _, b := range s.blocks {
		if b.Index < from {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// EntriesByBlock implements Store.
func (s *MemoryStore) EntriesByBlock(_ context.Context, index int64) ([]*ChainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ChainEntry
	for _, e := range s.entries {
		if e.BlockIndex == index {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// PriorHMAC implements Store.
func (s *MemoryStore) PriorHMAC(_ context.Context, beforeBlock int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].BlockIndex < beforeBlock {
			return s.entries[i].HMACChain, nil
		}
	}
	return GenesisHash, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() {}

func cloneEntry(e *ChainEntry) *ChainEntry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}
