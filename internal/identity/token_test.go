package identity_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/fraudledger/internal/identity"
)

const testIssuer = "fraudledger-test"

func newTestTokenIssuer(t *testing.T) *identity.TokenIssuer {
	t.Helper()
	ti, err := identity.NewTokenIssuer([]byte("jwt-test-secret"), testIssuer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestNewTokenIssuer_requiresSecret(t *testing.T) {
	if _, err := identity.NewTokenIssuer(nil, testIssuer, 0); !errors.Is(err, identity.ErrNoSecret) {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}

func TestTokenIssuer_Verify_valid(t *testing.T) {
	ti := newTestTokenIssuer(t)

	token, err := ti.Issue("fraud-engine", []string{identity.ScopeAppend})
	if err != nil {
		t.Fatal(err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Subject != "fraud-engine" {
		t.Errorf("Subject: got %q", claims.Subject)
	}
	if !claims.HasScope(identity.ScopeAppend) || claims.HasScope(identity.ScopeRead) {
		t.Errorf("Scopes: got %v", claims.Scopes)
	}
	if claims.ID == "" {
		t.Error("expected a token ID")
	}
}

func TestTokenIssuer_Verify_expired(t *testing.T) {
	ti, err := identity.NewTokenIssuer([]byte("jwt-test-secret"), testIssuer, time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	token, err := ti.Issue("fraud-engine", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)

	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestTokenIssuer_Verify_wrongSecret(t *testing.T) {
	other, err := identity.NewTokenIssuer([]byte("another-secret"), testIssuer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, _ := other.Issue("fraud-engine", []string{identity.ScopeAppend})

	if _, err := newTestTokenIssuer(t).Verify(token); err == nil {
		t.Error("expected error for token signed with another secret")
	}
}

func TestTokenIssuer_Verify_wrongIssuer(t *testing.T) {
	other, _ := identity.NewTokenIssuer([]byte("jwt-test-secret"), "someone-else", time.Hour)
	token, _ := other.Issue("fraud-engine", nil)

	if _, err := newTestTokenIssuer(t).Verify(token); err == nil {
		t.Error("expected error for foreign issuer")
	}
}

func TestRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newTestTokenIssuer(t)

	r := gin.New()
	r.POST("/append", identity.RequireToken(ti, identity.ScopeAppend), func(c *gin.Context) {
		c.String(http.StatusOK, identity.ClaimsFromCtx(c).Subject)
	})

	appendTok, _ := ti.Issue("fraud-engine", []string{identity.ScopeAppend})
	readTok, _ := ti.Issue("dashboard", []string{identity.ScopeRead})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"missing scope", "Bearer " + readTok, http.StatusForbidden},
		{"ok", "Bearer " + appendTok, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/append", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status: got %d, want %d", w.Code, tc.want)
			}
			if tc.want == http.StatusOK && w.Body.String() != "fraud-engine" {
				t.Errorf("claims not injected: %q", w.Body.String())
			}
		})
	}
}
