package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent appends. The value is arbitrary but must be consistent across
// all ledger instances sharing a database.
const advisoryLockKey = int64(2_084_117_339)

// PostgreSQL error codes that mean "another writer won, retry".
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PostgresStore persists the chain to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// WithTx implements Store. The transaction takes a transaction-scoped
// advisory lock before fn reads the chain tail, so appends from every
// process sharing the database are linearized. It runs at READ COMMITTED:
// each statement after the lock sees the tail the previous holder
// committed. The unique index on block_index is the last line of defence.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Released automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", classifyPgError(err))
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", classifyPgError(err))
	}
	return nil
}

// classifyPgError marks retryable PostgreSQL failures with ErrConflict.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LastBlock(ctx context.Context) (int64, string, error) {
	var idx int64
	var hash string
	err := t.tx.QueryRow(ctx,
		"SELECT block_index, block_hash FROM chain_blocks ORDER BY block_index DESC LIMIT 1",
	).Scan(&idx, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read last block: %w", err)
	}
	return idx, hash, nil
}

func (t *pgTx) LastHMAC(ctx context.Context) (string, error) {
	var mac string
	err := t.tx.QueryRow(ctx,
		"SELECT hmac_chain FROM chain_entries ORDER BY id DESC LIMIT 1",
	).Scan(&mac)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read last hmac: %w", err)
	}
	return mac, nil
}

func (t *pgTx) InsertBlock(ctx context.Context, b *Block) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO chain_blocks (block_index, prev_block_hash, block_hash, merkle_root, entries_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.Index, b.PrevHash, b.Hash, b.MerkleRoot, b.EntriesCount, b.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	return nil
}

// InsertEntries sends all rows in one batch. Rows are queued in entry order so
// the id sequence preserves insertion order.
func (t *pgTx) InsertEntries(ctx context.Context, entries []*ChainEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO chain_entries (block_index, entry_index, tx_reference, entry_payload, entry_hash, hmac_chain, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.BlockIndex, e.EntryIndex, e.TxReference, string(e.Payload), e.EntryHash, e.HMACChain, e.CreatedAt,
		)
	}
	br := t.tx.SendBatch(ctx, batch)
	for _, e := range entries {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			return fmt.Errorf("insert entry %d/%d: %w", e.BlockIndex, e.EntryIndex, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	return nil
}

const blockColumns = "block_index, prev_block_hash, block_hash, merkle_root, entries_count, created_at"

func scanBlock(row pgx.Row) (*Block, error) {
	b := &Block{}
	if err := row.Scan(&b.Index, &b.PrevHash, &b.Hash, &b.MerkleRoot, &b.EntriesCount, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

// LatestBlock implements Store.
func (s *PostgresStore) LatestBlock(ctx context.Context) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		"SELECT "+blockColumns+" FROM chain_blocks ORDER BY block_index DESC LIMIT 1"))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	return b, nil
}

// Block implements Store.
func (s *PostgresStore) Block(ctx context.Context, index int64) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		"SELECT "+blockColumns+" FROM chain_blocks WHERE block_index = $1", index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return b, nil
}

// ListBlocks implements Store.
func (s *PostgresStore) ListBlocks(ctx context.Context, from int64, limit int) ([]*Block, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+blockColumns+" FROM chain_blocks WHERE block_index >= $1 ORDER BY block_index ASC LIMIT $2",
		from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// EntriesByBlock implements Store.
func (s *PostgresStore) EntriesByBlock(ctx context.Context, index int64) ([]*ChainEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT block_index, entry_index, tx_reference, entry_payload, entry_hash, hmac_chain, created_at
		 FROM chain_entries WHERE block_index = $1 ORDER BY id ASC`, index,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries of block %d: %w", index, err)
	}
	defer rows.Close()

	var out []*ChainEntry
	for rows.Next() {
		e := &ChainEntry{}
		var payload string
		if err := rows.Scan(
			&e.BlockIndex, &e.EntryIndex, &e.TxReference, &payload,
			&e.EntryHash, &e.HMACChain, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PriorHMAC implements Store.
func (s *PostgresStore) PriorHMAC(ctx context.Context, beforeBlock int64) (string, error) {
	var mac string
	err := s.pool.QueryRow(ctx,
		"SELECT hmac_chain FROM chain_entries WHERE block_index < $1 ORDER BY id DESC LIMIT 1",
		beforeBlock,
	).Scan(&mac)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read prior hmac: %w", err)
	}
	return mac, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
