package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 20 * time.Millisecond
)

// Recorder receives ledger events for metrics. See internal/metrics.
type Recorder interface {
	BlockAppended(entries int, took time.Duration)
	AppendConflict()
	AppendFailed(reason string)
	Verified(res *VerificationResult)
}

type nopRecorder struct{}

func (nopRecorder) BlockAppended(int, time.Duration) {}
func (nopRecorder) AppendConflict()                  {}
func (nopRecorder) AppendFailed(string)              {}
func (nopRecorder) Verified(*VerificationResult)     {}

// Ledger appends fraud decisions to a Store and verifies what it holds.
// It owns no goroutines; every call runs synchronously on the caller's.
type Ledger struct {
	store      Store
	chainer    *Chainer
	verifier   *Verifier
	logger     *zap.Logger
	now        func() time.Time
	maxRetries int
	backoff    time.Duration
	metrics    Recorder
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock used to timestamp blocks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxRetries bounds how often an append is retried after ErrConflict.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between conflict retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(l *Ledger) { l.backoff = d }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.metrics = r
		}
	}
}

// New creates a Ledger over store, chaining MACs with chainer.
func New(store Store, chainer *Chainer, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		chainer:    chainer,
		logger:     logger,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		backoff:    defaultRetryBackoff,
		metrics:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.verifier = NewVerifier(store, chainer)
	return l
}

// AppendEntries seals entries into a new block and returns its receipt.
// Read-last, assemble, MAC chaining and both inserts run in one store
// transaction; on any failure no rows are written. Conflicts with concurrent
// writers are retried with fresh chain state up to the configured bound.
// An empty entries slice appends a checkpoint block with no entries.
func (l *Ledger) AppendEntries(ctx context.Context, entries []Entry) (*Receipt, error) {
	start := time.Now()

	prepared, err := PrepareEntries(entries)
	if err != nil {
		l.metrics.AppendFailed("validation")
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		block, err := l.appendOnce(ctx, prepared)
		if err == nil {
			l.metrics.BlockAppended(block.EntriesCount, time.Since(start))
			l.logger.Debug("ledger block appended",
				zap.Int64("block_index", block.Index),
				zap.String("block_hash", block.Hash),
				zap.Int("entries", block.EntriesCount),
				zap.Int("attempt", attempt+1),
			)
			return &Receipt{
				BlockIndex:   block.Index,
				BlockHash:    block.Hash,
				MerkleRoot:   block.MerkleRoot,
				EntriesCount: block.EntriesCount,
			}, nil
		}

		var valErr *ValidationError
		if errors.As(err, &valErr) {
			l.metrics.AppendFailed("validation")
			return nil, err
		}
		if !errors.Is(err, ErrConflict) || attempt >= l.maxRetries {
			l.metrics.AppendFailed(failureReason(err))
			return nil, &PersistenceError{Op: "append", Err: err}
		}

		l.metrics.AppendConflict()
		l.logger.Warn("ledger append conflict, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			l.metrics.AppendFailed("canceled")
			return nil, &PersistenceError{Op: "append", Err: ctx.Err()}
		case <-time.After(l.backoff * time.Duration(attempt+1)):
		}
	}
}

func (l *Ledger) appendOnce(ctx context.Context, prepared []*ChainEntry) (*Block, error) {
	// Each attempt works on its own copy; a failed attempt may have stamped
	// block indexes and MACs that no longer apply.
	entries := make([]*ChainEntry, len(prepared))
	for i, e := range prepared {
		entries[i] = cloneEntry(e)
	}

	var block *Block
	err := l.store.WithTx(ctx, func(tx Tx) error {
		lastIdx, lastHash, err := tx.LastBlock(ctx)
		if err != nil {
			return err
		}
		prior, err := tx.LastHMAC(ctx)
		if err != nil {
			return err
		}

		block, err = sealBlock(lastIdx+1, lastHash, entries, l.now())
		if err != nil {
			// Entries were validated up front; only the stored tail can be bad.
			return fmt.Errorf("stored chain tail at block %d is malformed: %s", lastIdx, err.Error())
		}
		l.chainer.Seal(prior, entries)

		if err := tx.InsertBlock(ctx, block); err != nil {
			return err
		}
		return tx.InsertEntries(ctx, entries)
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "store"
	}
}

// GetLatestBlock returns the most recent block, or ErrNotFound when the
// ledger is empty.
func (l *Ledger) GetLatestBlock(ctx context.Context) (*Block, error) {
	b, err := l.store.LatestBlock(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "latest block", Err: err}
	}
	return b, nil
}

// GetBlock returns the block at index together with its entries.
func (l *Ledger) GetBlock(ctx context.Context, index int64) (*BlockWithEntries, error) {
	b, err := l.store.Block(ctx, index)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "get block", Err: err}
	}
	entries, err := l.store.EntriesByBlock(ctx, index)
	if err != nil {
		return nil, &PersistenceError{Op: "get block entries", Err: err}
	}
	if entries == nil {
		entries = []*ChainEntry{}
	}
	return &BlockWithEntries{Block: b, Entries: entries}, nil
}

// Verify replays the persisted chain over r. See Verifier.Verify.
func (l *Ledger) Verify(ctx context.Context, r VerifyRange) (*VerificationResult, error) {
	res, err := l.verifier.Verify(ctx, r)
	if res != nil {
		l.metrics.Verified(res)
		if d := res.Discrepancy; d != nil {
			l.logger.Error("ledger integrity check failed",
				zap.String("kind", string(d.Kind)),
				zap.Int64("block_index", d.BlockIndex),
				zap.Int("entry_index", d.EntryIndex),
			)
		}
	}
	return res, err
}

// Ping checks the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
