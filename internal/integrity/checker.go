// Package integrity runs periodic full-chain verification.
package integrity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

// Config holds integrity check configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Verifier is the part of the ledger the checker drives.
type Verifier interface {
	Verify(ctx context.Context, r ledger.VerifyRange) (*ledger.VerificationResult, error)
}

// AlertFunc is an optional callback invoked when a run finds a discrepancy.
type AlertFunc func(ctx context.Context, d ledger.Discrepancy)

// Checker verifies the whole chain on a fixed interval and keeps the most
// recent result.
type Checker struct {
	verifier Verifier
	cfg      Config
	onAlert  AlertFunc
	logger   *zap.Logger

	mu   sync.RWMutex
	last *ledger.VerificationResult
	at   time.Time
}

// New creates a Checker.
func New(v Verifier, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = cfg.CheckInterval - time.Second
		if cfg.CheckTimeout <= 0 {
			cfg.CheckTimeout = cfg.CheckInterval
		}
	}
	return &Checker{verifier: v, cfg: cfg, logger: logger}
}

// SetAlert configures the discrepancy callback.
func (c *Checker) SetAlert(fn AlertFunc) {
	c.onAlert = fn
}

// Start runs the check loop until ctx is cancelled.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
			c.CheckNow(runCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckNow verifies the full chain once and records the result.
func (c *Checker) CheckNow(ctx context.Context) *ledger.VerificationResult {
	start := time.Now()
	res, err := c.verifier.Verify(ctx, ledger.VerifyRange{})
	if err != nil {
		c.logger.Error("integrity: verification did not complete", zap.Error(err))
		if res == nil {
			return nil
		}
	}

	c.mu.Lock()
	c.last, c.at = res, time.Now().UTC()
	c.mu.Unlock()

	if d := res.Discrepancy; d != nil {
		c.logger.Error("integrity: chain tampering detected",
			zap.String("kind", string(d.Kind)),
			zap.Int64("block_index", d.BlockIndex),
			zap.Int("entry_index", d.EntryIndex),
		)
		if c.onAlert != nil {
			c.onAlert(ctx, *d)
		}
		return res
	}
	if err == nil {
		c.logger.Info("integrity: chain verified",
			zap.Int("blocks", res.BlocksChecked),
			zap.Int("entries", res.EntriesChecked),
			zap.Duration("took", time.Since(start)),
		)
	}
	return res
}

// Last returns the most recent result and when it was recorded. The result
// is nil before the first run.
func (c *Checker) Last() (*ledger.VerificationResult, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.at
}
