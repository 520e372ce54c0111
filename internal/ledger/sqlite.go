package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chain_blocks (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	block_index     INTEGER NOT NULL UNIQUE CHECK (block_index >= 0),
	prev_block_hash TEXT    NOT NULL,
	block_hash      TEXT    NOT NULL,
	merkle_root     TEXT    NOT NULL,
	entries_count   INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chain_entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	block_index   INTEGER NOT NULL REFERENCES chain_blocks (block_index),
	entry_index   INTEGER NOT NULL CHECK (entry_index >= 1),
	tx_reference  TEXT    NOT NULL,
	entry_payload TEXT    NOT NULL,
	entry_hash    TEXT    NOT NULL,
	hmac_chain    TEXT    NOT NULL,
	created_at    INTEGER NOT NULL,
	UNIQUE (block_index, entry_index)
);
CREATE INDEX IF NOT EXISTS idx_chain_entries_tx_reference ON chain_entries (tx_reference);
CREATE TRIGGER IF NOT EXISTS chain_blocks_no_update BEFORE UPDATE ON chain_blocks
BEGIN SELECT RAISE(ABORT, 'chain_blocks is append-only'); END;
CREATE TRIGGER IF NOT EXISTS chain_blocks_no_delete BEFORE DELETE ON chain_blocks
BEGIN SELECT RAISE(ABORT, 'chain_blocks is append-only'); END;
CREATE TRIGGER IF NOT EXISTS chain_entries_no_update BEFORE UPDATE ON chain_entries
BEGIN SELECT RAISE(ABORT, 'chain_entries is append-only'); END;
CREATE TRIGGER IF NOT EXISTS chain_entries_no_delete BEFORE DELETE ON chain_entries
BEGIN SELECT RAISE(ABORT, 'chain_entries is append-only'); END;
`

// SQLiteStore persists the chain to a single SQLite file. Appends inside one
// process are serialized by a mutex; appends from other processes wait on
// SQLite's busy timeout and lose races through the unique block_index index.
type SQLiteStore struct {
	db     *sql.DB
	writeM sync.Mutex
	logger *zap.Logger
}

// OpenSQLiteStore opens (or creates) the ledger database at path.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite",
		path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	logger.Info("sqlite ledger store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// WithTx implements Store.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.writeM.Lock()
	defer s.writeM.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return classifySQLiteError(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteError(fmt.Errorf("commit ledger tx: %w", err))
	}
	return nil
}

// classifySQLiteError marks uniqueness and lock contention as ErrConflict.
func classifySQLiteError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LastBlock(ctx context.Context) (int64, string, error) {
	var idx int64
	var hash string
	err := t.tx.QueryRowContext(ctx,
		"SELECT block_index, block_hash FROM chain_blocks ORDER BY block_index DESC LIMIT 1",
	).Scan(&idx, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read last block: %w", err)
	}
	return idx, hash, nil
}

func (t *sqliteTx) LastHMAC(ctx context.Context) (string, error) {
	var mac string
	err := t.tx.QueryRowContext(ctx,
		"SELECT hmac_chain FROM chain_entries ORDER BY id DESC LIMIT 1",
	).Scan(&mac)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read last hmac: %w", err)
	}
	return mac, nil
}

func (t *sqliteTx) InsertBlock(ctx context.Context, b *Block) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO chain_blocks (block_index, prev_block_hash, block_hash, merkle_root, entries_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.Index, b.PrevHash, b.Hash, b.MerkleRoot, b.EntriesCount, b.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	return nil
}

func (t *sqliteTx) InsertEntries(ctx context.Context, entries []*ChainEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO chain_entries (block_index, entry_index, tx_reference, entry_payload, entry_hash, hmac_chain, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.BlockIndex, e.EntryIndex, e.TxReference, string(e.Payload),
			e.EntryHash, e.HMACChain, e.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert entry %d/%d: %w", e.BlockIndex, e.EntryIndex, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBlock(row rowScanner) (*Block, error) {
	b := &Block{}
	var created int64
	if err := row.Scan(&b.Index, &b.PrevHash, &b.Hash, &b.MerkleRoot, &b.EntriesCount, &created); err != nil {
		return nil, err
	}
	b.CreatedAt = time.Unix(created, 0).UTC()
	return b, nil
}

// LatestBlock implements Store.
func (s *SQLiteStore) LatestBlock(ctx context.Context) (*Block, error) {
	b, err := scanSQLiteBlock(s.db.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM chain_blocks ORDER BY block_index DESC LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	return b, nil
}

// Block implements Store.
func (s *SQLiteStore) Block(ctx context.Context, index int64) (*Block, error) {
	b, err := scanSQLiteBlock(s.db.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM chain_blocks WHERE block_index = ?", index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return b, nil
}

// ListBlocks implements Store.
func (s *SQLiteStore) ListBlocks(ctx context.Context, from int64, limit int) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+blockColumns+" FROM chain_blocks WHERE block_index >= ? ORDER BY block_index ASC LIMIT ?",
		from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b, err := scanSQLiteBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// EntriesByBlock implements Store.
func (s *SQLiteStore) EntriesByBlock(ctx context.Context, index int64) ([]*ChainEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block_index, entry_index, tx_reference, entry_payload, entry_hash, hmac_chain, created_at
		 FROM chain_entries WHERE block_index = ? ORDER BY id ASC`, index,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries of block %d: %w", index, err)
	}
	defer rows.Close()

	var out []*ChainEntry
	for rows.Next() {
		e := &ChainEntry{}
		var payload string
		var created int64
		if err := rows.Scan(
			&e.BlockIndex, &e.EntryIndex, &e.TxReference, &payload,
			&e.EntryHash, &e.HMACChain, &created,
		); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PriorHMAC implements Store.
func (s *SQLiteStore) PriorHMAC(ctx context.Context, beforeBlock int64) (string, error) {
	var mac string
	err := s.db.QueryRowContext(ctx,
		"SELECT hmac_chain FROM chain_entries WHERE block_index < ? ORDER BY id DESC LIMIT 1",
		beforeBlock,
	).Scan(&mac)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read prior hmac: %w", err)
	}
	return mac, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close sqlite ledger store", zap.Error(err))
	}
}
