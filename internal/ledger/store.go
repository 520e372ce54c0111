package ledger

import "context"

// Store is the persistence boundary of the ledger. Block and entry rows are
// insert-only; no method updates or deletes them.
type Store interface {
	// WithTx runs fn as one atomic, serialized unit of work. Concurrent
	// WithTx calls never observe the same last block. If fn or the commit
	// fails, nothing fn wrote is visible. Races lost to another writer
	// surface as errors wrapping ErrConflict.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// LatestBlock returns the block with the highest index, or ErrNotFound.
	LatestBlock(ctx context.Context) (*Block, error)

	// Block returns the block at index, or ErrNotFound.
	Block(ctx context.Context, index int64) (*Block, error)

	// ListBlocks returns up to limit blocks with index >= from, ascending.
	ListBlocks(ctx context.Context, from int64, limit int) ([]*Block, error)

	// EntriesByBlock returns the entries of a block in insertion order.
	EntriesByBlock(ctx context.Context, index int64) ([]*ChainEntry, error)

	// PriorHMAC returns the hmac_chain of the last entry inserted into a
	// block below beforeBlock, or GenesisHash when there is none.
	PriorHMAC(ctx context.Context, beforeBlock int64) (string, error)

	Ping(ctx context.Context) error
	Close()
}

// Tx is the view of the store inside WithTx.
type Tx interface {
	// LastBlock returns the highest block index and its hash, or
	// (-1, GenesisHash) when the ledger is empty.
	LastBlock(ctx context.Context) (int64, string, error)

	// LastHMAC returns the hmac_chain of the most recently inserted entry
	// across the whole ledger, or GenesisHash when there is none.
	LastHMAC(ctx context.Context) (string, error)

	InsertBlock(ctx context.Context, b *Block) error
	InsertEntries(ctx context.Context, entries []*ChainEntry) error
}
