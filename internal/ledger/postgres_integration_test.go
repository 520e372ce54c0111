//go:build integration

package ledger_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

func setupPostgres(t *testing.T) (*ledger.PostgresStore, *pgxpool.Pool) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.up.sql"))
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
	}

	// Row triggers do not fire on TRUNCATE.
	if _, err := db.Exec(ctx, "TRUNCATE chain_entries, chain_blocks"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	store := ledger.NewPostgresStore(db, zap.NewNop())
	t.Cleanup(store.Close)
	return store, db
}

func TestPostgres_appendAndVerify(t *testing.T) {
	store, _ := setupPostgres(t)
	l := newTestLedger(t, store)

	first, err := l.AppendEntries(ctx, []ledger.Entry{entry("T1", 100)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.AppendEntries(ctx, []ledger.Entry{entry("T2", 200), entry("T3", 300)})
	if err != nil {
		t.Fatal(err)
	}
	if first.BlockIndex != 0 || second.BlockIndex != 1 {
		t.Fatalf("unexpected receipts %+v %+v", first, second)
	}
	b, err := store.Block(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b.PrevHash != first.BlockHash {
		t.Errorf("block 1 does not link to block 0: %s != %s", b.PrevHash, first.BlockHash)
	}

	res, err := l.Verify(ctx, ledger.VerifyRange{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.BlocksChecked != 2 || res.EntriesChecked != 3 {
		t.Errorf("unexpected result %+v (%v)", res, res.Discrepancy)
	}
}

// conflictCounter counts appends that lost the race for the chain tail.
type conflictCounter struct {
	mu        sync.Mutex
	conflicts int
}

func (c *conflictCounter) BlockAppended(int, time.Duration)    {}
func (c *conflictCounter) AppendFailed(string)                 {}
func (c *conflictCounter) Verified(*ledger.VerificationResult) {}
func (c *conflictCounter) AppendConflict() {
	c.mu.Lock()
	c.conflicts++
	c.mu.Unlock()
}

func TestPostgres_concurrentAppends(t *testing.T) {
	store, _ := setupPostgres(t)
	counter := &conflictCounter{}
	l := newTestLedger(t, store, ledger.WithMetrics(counter))

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.AppendEntries(ctx, []ledger.Entry{entry("C", i)}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("append under the lock must not exhaust retries: %v", err)
	}

	if counter.conflicts != 0 {
		t.Errorf("advisory lock let %d appends read a stale tail", counter.conflicts)
	}

	res, err := l.Verify(ctx, ledger.VerifyRange{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.BlocksChecked != n {
		t.Errorf("expected %d valid blocks, got %+v", n, res)
	}
}

func TestPostgres_appendOnly(t *testing.T) {
	store, db := setupPostgres(t)
	l := newTestLedger(t, store)
	if _, err := l.AppendEntries(ctx, []ledger.Entry{entry("T1", 100)}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec(ctx, `UPDATE chain_entries SET entry_payload = '{"amount":999}'`); err == nil {
		t.Error("append-only trigger did not reject UPDATE")
	}
	if _, err := db.Exec(ctx, `DELETE FROM chain_blocks`); err == nil {
		t.Error("append-only trigger did not reject DELETE")
	}
}
