package ledger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

func int64p(v int64) *int64 { return &v }

func seed(t *testing.T, l *ledger.Ledger, blocks int) {
	t.Helper()
	for i := 0; i < blocks; i++ {
		var entries []ledger.Entry
		for j := 0; j <= i%3; j++ {
			entries = append(entries, entry(fmt.Sprintf("B%d-T%d", i, j), i*10+j))
		}
		if _, err := l.AppendEntries(ctx, entries); err != nil {
			t.Fatal(err)
		}
	}
}

func TestVerify_cleanChain(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := newTestLedger(t, store)
			seed(t, l, 6)

			for run := 0; run < 2; run++ {
				res, err := l.Verify(ctx, ledger.VerifyRange{})
				if err != nil {
					t.Fatal(err)
				}
				if !res.Valid || !res.Complete {
					t.Fatalf("run %d: expected valid chain, got %+v (%v)", run, res, res.Discrepancy)
				}
				if res.From != 0 || res.To != 5 || res.BlocksChecked != 6 || res.LastVerifiedBlock != 5 {
					t.Errorf("run %d: unexpected counters %+v", run, res)
				}
				// 1+2+3+1+2+3 entries.
				if res.EntriesChecked != 12 {
					t.Errorf("run %d: entries checked %d, want 12", run, res.EntriesChecked)
				}
				if res.Err() != nil {
					t.Errorf("valid result returned error %v", res.Err())
				}
			}
		})
	}
}

func TestVerify_emptyLedger(t *testing.T) {
	l := newTestLedger(t, ledger.NewMemoryStore())
	res, err := l.Verify(ctx, ledger.VerifyRange{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.BlocksChecked != 0 {
		t.Errorf("empty ledger: got %+v", res)
	}
}

func TestVerify_heartbeatOnlyChain(t *testing.T) {
	l := newTestLedger(t, ledger.NewMemoryStore())
	for i := 0; i < 3; i++ {
		if _, err := l.AppendEntries(ctx, nil); err != nil {
			t.Fatal(err)
		}
	}
	res, err := l.Verify(ctx, ledger.VerifyRange{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.BlocksChecked != 3 || res.EntriesChecked != 0 {
		t.Errorf("heartbeat chain: got %+v", res)
	}
}

func TestVerify_subRange(t *testing.T) {
	l := newTestLedger(t, newSQLiteStore(t))
	seed(t, l, 5)

	res, err := l.Verify(ctx, ledger.VerifyRange{From: int64p(2), To: int64p(3)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.BlocksChecked != 2 || res.From != 2 || res.To != 3 {
		t.Errorf("sub-range: got %+v", res)
	}
}

func TestVerify_rangeBeyondLatest(t *testing.T) {
	l := newTestLedger(t, ledger.NewMemoryStore())
	seed(t, l, 3)

	res, err := l.Verify(ctx, ledger.VerifyRange{To: int64p(7)})
	var valErr *ledger.ValidationError
	if !errors.As(err, &valErr) || valErr.Field != "to" {
		t.Fatalf("expected ValidationError on to, got %v", err)
	}
	if res != nil {
		t.Errorf("a rejected range must not produce a result: %+v", res)
	}

	res, err = l.Verify(ctx, ledger.VerifyRange{To: int64p(2)})
	if err != nil || !res.Valid {
		t.Errorf("range ending at the latest block: %+v, %v", res, err)
	}

	empty := newTestLedger(t, ledger.NewMemoryStore())
	if _, err := empty.Verify(ctx, ledger.VerifyRange{To: int64p(0)}); !errors.As(err, &valErr) {
		t.Errorf("empty ledger with to=0: expected ValidationError, got %v", err)
	}
}

func TestVerify_invalidRange(t *testing.T) {
	l := newTestLedger(t, ledger.NewMemoryStore())
	seed(t, l, 2)

	for _, r := range []ledger.VerifyRange{
		{From: int64p(-1)},
		{From: int64p(2), To: int64p(1)},
	} {
		_, err := l.Verify(ctx, r)
		var valErr *ledger.ValidationError
		if !errors.As(err, &valErr) {
			t.Errorf("range %+v: expected ValidationError, got %v", r, err)
		}
	}
}

func TestVerify_wrongKey(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, newTestLedger(t, store), 3)

	other, err := ledger.NewChainer([]byte("another-key"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := ledger.NewVerifier(store, other).Verify(ctx, ledger.VerifyRange{})
	if err != nil {
		t.Fatal(err)
	}
	d := res.Discrepancy
	if res.Valid || d == nil || d.Kind != ledger.KindHMACMismatch {
		t.Fatalf("expected hmac_mismatch, got %+v", res)
	}
	if d.BlockIndex != 0 || d.EntryIndex != 1 {
		t.Errorf("expected first entry of block 0, got block %d entry %d", d.BlockIndex, d.EntryIndex)
	}
	if d.Expected != "" {
		t.Error("hmac discrepancy must not disclose the expected MAC")
	}
	var ierr *ledger.IntegrityError
	if !errors.As(res.Err(), &ierr) {
		t.Errorf("Err() = %v, want *IntegrityError", res.Err())
	}
}

func TestMerkleInclusion(t *testing.T) {
	var leaves []string
	for i := 0; i < 7; i++ {
		h, err := ledger.HashEntry(ledger.Payload{"n": i})
		if err != nil {
			t.Fatal(err)
		}
		leaves = append(leaves, h)
	}
	root, err := ledger.MerkleTreeRoot(leaves)
	if err != nil {
		t.Fatal(err)
	}
	for i, leaf := range leaves {
		proof, err := ledger.InclusionProof(leaves, i)
		if err != nil {
			t.Fatal(err)
		}
		if !ledger.VerifyInclusion(leaf, proof, root) {
			t.Errorf("leaf %d: proof does not verify", i)
		}
		if ledger.VerifyInclusion(leaves[(i+1)%len(leaves)], proof, root) {
			t.Errorf("leaf %d: proof verifies a different leaf", i)
		}
	}

	if _, err := ledger.InclusionProof(leaves, len(leaves)); err == nil {
		t.Error("expected out of range error")
	}
	if r, _ := ledger.MerkleTreeRoot(nil); r != ledger.EmptyRoot {
		t.Errorf("empty tree root: %s", r)
	}
}

func TestMerkleRoot_singleLeafIsRehashed(t *testing.T) {
	h, _ := ledger.HashEntry(ledger.Payload{"amount": 100})
	if root := ledger.MerkleRoot([]string{h}); root == h {
		t.Error("merkle root of one entry must be the hash of its hex digest, not the digest itself")
	}
}
