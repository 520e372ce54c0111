package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/fraudledger/internal/ledger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type integrityReporter interface {
	Last() (*ledger.VerificationResult, time.Time)
}

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	store     pinger
	integrity integrityReporter
}

// NewHealthHandler creates a HealthHandler. integrity may be nil when no
// scheduled check runs.
func NewHealthHandler(store pinger, integrity integrityReporter) *HealthHandler {
	return &HealthHandler{store: store, integrity: integrity}
}

// Register mounts /healthz on r.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Health)
}

// Health reports store reachability and the last scheduled verification.
// A chain that failed verification is reported but does not make the
// service unhealthy; the store being unreachable does.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := gin.H{"status": "ok"}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		resp["status"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	if h.integrity != nil {
		if res, at := h.integrity.Last(); res != nil {
			resp["integrity"] = gin.H{
				"valid":               res.Valid,
				"checked_at":          at,
				"last_verified_block": res.LastVerifiedBlock,
				"discrepancy":         res.Discrepancy,
			}
		}
	}
	c.JSON(status, resp)
}
