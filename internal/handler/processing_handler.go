package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"invoice-approval/internal/ledger"
	"invoice-approval/internal/model"
)

type Processor interface {
	RunCycle(ctx context.Context) (*model.ProcessingSummary, error)
	LastSummary() *model.ProcessingSummary
	Purge(ctx context.Context) (int, error)
}

type ProcessingHandler struct {
	processor Processor
	logger    *zap.Logger
}

func NewProcessingHandler(p Processor, logger *zap.Logger) *ProcessingHandler {
	return &ProcessingHandler{processor: p, logger: logger}
}

// CheckEmailProcessing handles GET /check-email-processing/ by running one
// poll cycle and returning its summary.
func (h *ProcessingHandler) CheckEmailProcessing(c *gin.Context) {
	// 客户端断开不应中断正在处理的周期
	ctx := context.WithoutCancel(c.Request.Context())
	summary, err := h.processor.RunCycle(ctx)
	if err != nil {
		h.logger.Error("On-demand processing cycle failed", zap.Error(err))
		fail(c, http.StatusBadGateway, "mailbox unavailable: "+model.ErrorKind(err))
		return
	}
	success(c, gin.H{"results": summary})
}

// LastProcessing handles GET /processing/last
func (h *ProcessingHandler) LastProcessing(c *gin.Context) {
	summary := h.processor.LastSummary()
	if summary == nil {
		fail(c, http.StatusNotFound, "no processing cycle has run yet")
		return
	}
	success(c, gin.H{"results": summary})
}

// Purge handles POST /admin/purge
func (h *ProcessingHandler) Purge(c *gin.Context) {
	n, err := h.processor.Purge(c.Request.Context())
	if err != nil {
		h.logger.Error("Ledger purge failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "purge failed")
		return
	}
	h.logger.Info("Ledger purged on demand",
		zap.Int("removed", n),
		zap.String("by", c.GetString("subject")),
	)
	success(c, gin.H{"removed": n})
}

func isNotFound(err error) bool { return errors.Is(err, ledger.ErrNotFound) }
