package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/handler"
	"github.com/jmerrifield20/fraudledger/internal/ledger"
	"github.com/jmerrifield20/fraudledger/pkg/client"
)

// ── Test server ─────────────────────────────────────────────────────────

func ledgerServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	chainer, err := ledger.NewChainer([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New(ledger.NewMemoryStore(), chainer, zap.NewNop(),
		ledger.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))

	r := gin.New()
	handler.NewLedgerHandler(l, zap.NewNop()).Register(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error")
	}
}

func TestClient_roundTrip(t *testing.T) {
	srv := ledgerServer(t)
	c, err := client.New(srv.URL, client.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := c.Latest(ctx); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("Latest on empty ledger: got %v", err)
	}

	r, err := c.Append(ctx, []client.Entry{{TxReference: "T1", Payload: map[string]any{"amount": 100}}})
	if err != nil {
		t.Fatal(err)
	}
	if r.BlockIndex != 0 || r.BlockHash != "3eba3134ce149590bc80f13ceb8b34456c3b9f08dfc106f2e4dd31028e8dae4e" {
		t.Errorf("receipt: %+v", r)
	}

	hb, err := c.Heartbeat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if hb.BlockIndex != 1 || hb.EntriesCount != 0 {
		t.Errorf("heartbeat receipt: %+v", hb)
	}

	latest, err := c.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.BlockIndex != 1 || latest.PrevBlockHash != r.BlockHash {
		t.Errorf("latest: %+v", latest)
	}

	b, err := c.Block(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Entries) != 1 || string(b.Entries[0].EntryPayload) != `{"amount":100}` {
		t.Errorf("block 0: %+v", b)
	}
	if _, err := c.Block(ctx, 42); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("missing block: got %v", err)
	}

	res, err := c.Verify(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.BlocksChecked != 2 {
		t.Errorf("verify: %+v", res)
	}

	to := int64(5)
	_, err = c.Verify(ctx, nil, &to)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("verify past latest: expected 400 APIError, got %v", err)
	}
}

func TestClient_apiError(t *testing.T) {
	srv := ledgerServer(t)
	c := mustClient(t, srv.URL)

	_, err := c.Append(context.Background(), []client.Entry{{TxReference: "", Payload: map[string]any{"a": 1}}})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message == "" {
		t.Errorf("APIError: %+v", apiErr)
	}
}

func TestClient_bearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"block_index":3,"block_hash":"h","merkle_root":"m","entries_count":0}`))
	}))
	defer srv.Close()

	c := mustClient(t, srv.URL, client.WithBearerToken("tok"))
	if _, err := c.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer tok" {
		t.Errorf("Authorization: got %q", got)
	}
}

func mustClient(t *testing.T, base string, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(base, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}
