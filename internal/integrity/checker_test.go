package integrity_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/integrity"
	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

type stubVerifier struct {
	calls atomic.Int32
	res   *ledger.VerificationResult
	err   error
}

func (s *stubVerifier) Verify(context.Context, ledger.VerifyRange) (*ledger.VerificationResult, error) {
	s.calls.Add(1)
	return s.res, s.err
}

func TestCheckNow_realLedger(t *testing.T) {
	chainer, err := ledger.NewChainer([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New(ledger.NewMemoryStore(), chainer, zap.NewNop())
	if _, err := l.AppendEntries(context.Background(), []ledger.Entry{
		{TxReference: "T1", Payload: ledger.Payload{"amount": 100}},
	}); err != nil {
		t.Fatal(err)
	}

	c := integrity.New(l, integrity.Config{}, zap.NewNop())
	if last, _ := c.Last(); last != nil {
		t.Fatal("expected no result before the first run")
	}
	res := c.CheckNow(context.Background())
	if res == nil || !res.Valid || res.BlocksChecked != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	last, at := c.Last()
	if last != res || at.IsZero() {
		t.Errorf("Last() = %v at %v", last, at)
	}
}

func TestCheckNow_alertsOnDiscrepancy(t *testing.T) {
	d := ledger.Discrepancy{Kind: ledger.KindEntryHashMismatch, BlockIndex: 4, EntryIndex: 2}
	v := &stubVerifier{res: &ledger.VerificationResult{Complete: true, Discrepancy: &d}}

	var got []ledger.Discrepancy
	c := integrity.New(v, integrity.Config{}, zap.NewNop())
	c.SetAlert(func(_ context.Context, d ledger.Discrepancy) { got = append(got, d) })

	c.CheckNow(context.Background())
	if len(got) != 1 || got[0] != d {
		t.Errorf("alerts: %+v", got)
	}
}

func TestCheckNow_storeFailure(t *testing.T) {
	v := &stubVerifier{err: errors.New("connection refused")}
	c := integrity.New(v, integrity.Config{}, zap.NewNop())
	if res := c.CheckNow(context.Background()); res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if last, _ := c.Last(); last != nil {
		t.Error("failed run must not replace the last result")
	}
}

func TestStart_runsUntilCancelled(t *testing.T) {
	v := &stubVerifier{res: &ledger.VerificationResult{Valid: true, Complete: true}}
	c := integrity.New(v, integrity.Config{CheckInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for v.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("checker did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop on cancellation")
	}
}
