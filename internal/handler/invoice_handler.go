package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"invoice-approval/internal/model"
	"invoice-approval/internal/service/submission"
)

// MaxUploadBytes caps the uploaded file size.
const MaxUploadBytes = 20 << 20

type Submitter interface {
	Submit(ctx context.Context, content []byte, filename, approver string) (*submission.Result, error)
	Approvers() []string
}

type InvoiceReader interface {
	Get(ctx context.Context, id string) (*model.Invoice, error)
	List(ctx context.Context, f model.ListFilter) ([]model.Invoice, error)
}

type InvoiceHandler struct {
	submitter Submitter
	invoices  InvoiceReader
	logger    *zap.Logger
}

func NewInvoiceHandler(s Submitter, r InvoiceReader, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{submitter: s, invoices: r, logger: logger}
}

// UploadInvoice handles POST /upload-invoice/ (multipart: file, approver)
func (h *InvoiceHandler) UploadInvoice(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "file is required")
		return
	}
	if fh.Size > MaxUploadBytes {
		fail(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, "unreadable upload")
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, MaxUploadBytes+1))
	if err != nil {
		fail(c, http.StatusBadRequest, "unreadable upload")
		return
	}
	if len(content) > MaxUploadBytes {
		fail(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	approver := c.PostForm("approver")
	h.logger.Info("UploadInvoice request received",
		zap.String("filename", fh.Filename),
		zap.Int("size", len(content)),
		zap.String("approver", approver),
	)

	res, err := h.submitter.Submit(c.Request.Context(), content, fh.Filename, approver)
	if err != nil {
		h.logger.Error("UploadInvoice failed", zap.String("filename", fh.Filename), zap.Error(err))
		failErr(c, err, "failed to process document")
		return
	}

	success(c, gin.H{
		"document_type":  res.DocumentType,
		"extracted_text": res.ExtractedText,
		"key_points":     res.KeyPoints,
		"email_sent":     res.EmailSent,
		"approver":       res.Approver,
		"invoice_id":     res.InvoiceID,
	})
}

// ListApprovers handles GET /approvers/
func (h *InvoiceHandler) ListApprovers(c *gin.Context) {
	success(c, gin.H{"approvers": h.submitter.Approvers()})
}

// ListInvoices handles GET /invoices?status=&limit=
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	f := model.ListFilter{Status: model.Status(c.Query("status"))}
	if f.Status != "" && !f.Status.Valid() {
		fail(c, http.StatusBadRequest, "invalid status")
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	invoices, err := h.invoices.List(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("ListInvoices failed", zap.Error(err))
		failErr(c, err, "failed to list invoices")
		return
	}
	if invoices == nil {
		invoices = []model.Invoice{}
	}
	success(c, gin.H{"invoices": invoices})
}

// GetInvoice handles GET /invoices/:id
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	id := c.Param("id")
	inv, err := h.invoices.Get(c.Request.Context(), id)
	if err != nil {
		if !isNotFound(err) {
			h.logger.Error("GetInvoice failed", zap.String("invoice_id", id), zap.Error(err))
		}
		failErr(c, err, "failed to load invoice")
		return
	}
	success(c, gin.H{"invoice": inv})
}
