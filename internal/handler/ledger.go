// Package handler exposes the ledger over HTTP.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

// ledgerSvc is the interface expected by LedgerHandler, satisfied by *ledger.Ledger.
type ledgerSvc interface {
	AppendEntries(ctx context.Context, entries []ledger.Entry) (*ledger.Receipt, error)
	GetLatestBlock(ctx context.Context) (*ledger.Block, error)
	GetBlock(ctx context.Context, index int64) (*ledger.BlockWithEntries, error)
	Verify(ctx context.Context, r ledger.VerifyRange) (*ledger.VerificationResult, error)
}

// LedgerHandler serves the append, read and verify endpoints of the chain.
type LedgerHandler struct {
	ledger    ledgerSvc
	writeAuth []gin.HandlerFunc
	logger    *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l ledgerSvc, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// SetWriteAuth installs middleware run before the append endpoints.
func (h *LedgerHandler) SetWriteAuth(mw ...gin.HandlerFunc) {
	h.writeAuth = mw
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		w := l.Group("", h.writeAuth...)
		w.POST("/entries", h.AppendEntries)
		w.POST("/heartbeat", h.Heartbeat)

		l.GET("/latest", h.Latest)
		l.GET("/blocks/:idx", h.GetBlock)
		l.GET("/verify", h.Verify)
	}
}

type entryRequest struct {
	TxReference json.RawMessage `json:"tx_reference"`
	Payload     map[string]any  `json:"payload"`
}

type appendRequest struct {
	Entries []entryRequest `json:"entries"`
}

// AppendEntries handles POST /ledger/entries: chains a batch of decisions
// into one new block.
func (h *LedgerHandler) AppendEntries(c *gin.Context) {
	var req appendRequest
	if err := decodeJSON(c.Request.Body, &req); err != nil {
		h.badBody(c, err)
		return
	}

	entries := make([]ledger.Entry, 0, len(req.Entries))
	for i, e := range req.Entries {
		ref, err := txReference(e.TxReference)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("entries[%d].tx_reference: %v", i, err)})
			return
		}
		entries = append(entries, ledger.Entry{TxReference: ref, Payload: e.Payload})
	}

	h.append(c, entries)
}

// Heartbeat handles POST /ledger/heartbeat: appends a block without entries
// so the chain keeps advancing in quiet periods.
func (h *LedgerHandler) Heartbeat(c *gin.Context) {
	h.append(c, nil)
}

func (h *LedgerHandler) append(c *gin.Context, entries []ledger.Entry) {
	receipt, err := h.ledger.AppendEntries(c.Request.Context(), entries)
	if err != nil {
		h.writeError(c, "append entries", err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// Latest handles GET /ledger/latest: returns the newest block, or an empty
// object when nothing has been appended yet.
func (h *LedgerHandler) Latest(c *gin.Context) {
	b, err := h.ledger.GetLatestBlock(c.Request.Context())
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if err != nil {
		h.writeError(c, "latest block", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GetBlock handles GET /ledger/blocks/:idx: returns a block with its entries.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.ParseInt(c.Param("idx"), 10, 64)
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	b, err := h.ledger.GetBlock(c.Request.Context(), idx)
	if err != nil {
		h.writeError(c, "get block", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Verify handles GET /ledger/verify?from=&to=: replays the chain over the
// range and reports the first discrepancy. Both outcomes are 200; only a run
// that could not complete is an error.
func (h *LedgerHandler) Verify(c *gin.Context) {
	var r ledger.VerifyRange
	for name, dst := range map[string]**int64{"from": &r.From, "to": &r.To} {
		raw, ok := c.GetQuery(name)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an integer"})
			return
		}
		*dst = &v
	}

	res, err := h.ledger.Verify(c.Request.Context(), r)
	if err != nil {
		var valErr *ledger.ValidationError
		if errors.As(err, &valErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error()})
			return
		}
		h.logger.Error("ledger verification incomplete", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "verification could not complete",
			"result": res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *LedgerHandler) writeError(c *gin.Context, op string, err error) {
	var valErr *ledger.ValidationError
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
	case errors.Is(err, context.Canceled):
		c.AbortWithStatus(499)
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
	}
}

func (h *LedgerHandler) badBody(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
}

// decodeJSON decodes a single JSON document keeping numbers as json.Number,
// so payload values hash exactly as the caller wrote them.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON document")
	}
	return nil
}

// txReference accepts a transaction reference given as a JSON string or an
// integer id.
func txReference(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String(), nil
		}
	}
	return "", errors.New("must be a string or an integer")
}
