package webhooks

import (
	"time"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

// Event types dispatched by the ledger service.
const (
	EventIntegrityViolation = "ledger.integrity_violation"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>".
const SignatureHeader = "X-Ledger-Signature"

// Event is the JSON body POSTed to every configured endpoint.
type Event struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Timestamp   time.Time          `json:"timestamp"`
	Discrepancy ledger.Discrepancy `json:"discrepancy"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	URL          string
	EventID      string
	Attempt      int
	StatusCode   int
	Success      bool
	ErrorMessage string
}
