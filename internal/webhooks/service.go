// Package webhooks delivers signed integrity alerts to operator endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config lists the alert endpoints and the secret bodies are signed with.
type Config struct {
	URLs    []string
	Secret  string
	Timeout time.Duration
	// Backoff holds the wait before each retry. Its length is the number of
	// retries after the first attempt.
	Backoff []time.Duration
}

// Dispatcher fans integrity alerts out to the configured endpoints.
type Dispatcher struct {
	cfg        Config
	httpClient *http.Client
	onMetrics  MetricsRecorder
	now        func() time.Time
	logger     *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = []time.Duration{1 * time.Second, 5 * time.Second}
	}
	return &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Enabled reports whether any endpoint is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.cfg.URLs) > 0
}

// Alert sends an integrity violation event to every endpoint and waits for
// the deliveries to finish. It matches integrity.AlertFunc.
func (d *Dispatcher) Alert(ctx context.Context, disc ledger.Discrepancy) {
	event := Event{
		ID:          uuid.NewString(),
		Type:        EventIntegrityViolation,
		Timestamp:   d.now().UTC(),
		Discrepancy: disc,
	}
	d.Dispatch(ctx, event)
}

// Dispatch delivers event to all endpoints concurrently and returns the
// final attempt for each.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) []Delivery {
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return nil
	}
	signature := SignPayload(body, d.cfg.Secret)

	results := make([]Delivery, len(d.cfg.URLs))
	var wg sync.WaitGroup
	for i, url := range d.cfg.URLs {
		i, url := i, url
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.deliver(ctx, url, event.ID, body, signature)
		}()
	}
	wg.Wait()
	return results
}

// deliver sends the body to a single endpoint with retries.
func (d *Dispatcher) deliver(ctx context.Context, url, eventID string, body []byte, signature string) Delivery {
	var last Delivery
	for attempt := 1; attempt <= len(d.cfg.Backoff)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.cfg.Backoff[attempt-2]):
			case <-ctx.Done():
				last.ErrorMessage = ctx.Err().Error()
				return last
			}
		}

		success, statusCode, errMsg := d.doDelivery(ctx, url, body, signature)
		last = Delivery{
			URL:          url,
			EventID:      eventID,
			Attempt:      attempt,
			StatusCode:   statusCode,
			Success:      success,
			ErrorMessage: errMsg,
		}

		if d.onMetrics != nil {
			d.onMetrics(success)
		}

		if success {
			d.logger.Info("webhook: alert delivered",
				zap.String("url", url),
				zap.String("event_id", eventID),
				zap.Int("attempt", attempt),
			)
			return last
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
	return last
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// SignPayload computes the signature header value for body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}
