package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Chainer extends the keyed MAC chain. The key is shared, read-only state
// loaded once at startup.
type Chainer struct {
	key []byte
}

// NewChainer returns a Chainer for key. An empty key is refused: the ledger
// fails closed rather than falling back to a default secret.
func NewChainer(key []byte) (*Chainer, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Chainer{key: k}, nil
}

// ParseKey turns a configured secret into key bytes. The secret is used as
// its literal UTF-8 bytes, so a hex string from `ledgerctl keygen` keys the
// MAC with its 64 ASCII characters, exactly as existing ledgers were written.
func ParseKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingKey
	}
	return []byte(secret), nil
}

// Extend returns HMAC-SHA256(key, entryHash ‖ prior) as lowercase hex. The
// chain starts from GenesisHash.
func (c *Chainer) Extend(prior, entryHash string) string {
	m := hmac.New(sha256.New, c.key)
	m.Write([]byte(entryHash))
	m.Write([]byte(prior))
	return hex.EncodeToString(m.Sum(nil))
}

// Seal fills HMACChain for entries in order, starting from prior, and
// returns the last link (prior itself when entries is empty).
func (c *Chainer) Seal(prior string, entries []*ChainEntry) string {
	for _, e := range entries {
		e.HMACChain = c.Extend(prior, e.EntryHash)
		prior = e.HMACChain
	}
	return prior
}

// equalMAC compares two hex MACs in constant time.
func equalMAC(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
