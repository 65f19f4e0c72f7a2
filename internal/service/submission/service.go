// Package submission handles invoice uploads: extract text, classify and
// summarize the document, record it in the ledger and email the approver.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"invoice-approval/internal/classifier"
	"invoice-approval/internal/extract"
	"invoice-approval/internal/ledger"
	"invoice-approval/internal/mailbox"
	"invoice-approval/internal/model"
	"invoice-approval/pkg/clock"
	"invoice-approval/pkg/metrics"
	"invoice-approval/pkg/mq"
)

// Approver keys used by automatic routing.
const (
	FinanceApprover = "Finance"
	NormalApprover  = "Normal"
)

// autoRouteConfidence is the document-type confidence above which an
// invoice goes to Finance regardless of the requested approver.
const autoRouteConfidence = 0.8

type TextExtractor interface {
	CheckFilename(filename string) error
	Extract(ctx context.Context, content []byte, filename string) (string, error)
}

type Analyzer interface {
	DetectType(ctx context.Context, text string) (classifier.DocumentKind, error)
	Summarize(ctx context.Context, text string, docType classifier.DocumentType) (string, error)
}

type Sender interface {
	Send(ctx context.Context, req mailbox.ApprovalRequest) error
}

// Result is returned to the uploader.
type Result struct {
	DocumentType  classifier.DocumentKind `json:"document_type"`
	ExtractedText string                  `json:"extracted_text"`
	KeyPoints     string                  `json:"key_points"`
	EmailSent     bool                    `json:"email_sent"`
	Approver      string                  `json:"approver"`
	InvoiceID     string                  `json:"invoice_id,omitempty"`
}

type Service struct {
	ledger    ledger.Store
	extractor TextExtractor
	analyzer  Analyzer
	sender    Sender
	approvers map[string]string
	events    mq.EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewService takes approvers as approver key -> email address. A nil
// events or clk falls back to a no-op publisher and the wall clock.
func NewService(l ledger.Store, e TextExtractor, a Analyzer, s Sender, approvers map[string]string, events mq.EventPublisher, clk clock.Clock, logger *zap.Logger) *Service {
	if events == nil {
		events = mq.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		ledger:    l,
		extractor: e,
		analyzer:  a,
		sender:    s,
		approvers: approvers,
		events:    events,
		clock:     clk,
		logger:    logger,
	}
}

// Approvers returns the configured approver keys, sorted.
func (s *Service) Approvers() []string {
	out := make([]string, 0, len(s.approvers))
	for k := range s.approvers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Submit runs the upload flow. The ledger write completes before the
// email carrying the invoice id is sent. A failed send is reported with
// EmailSent=false; the record stays pending.
func (s *Service) Submit(ctx context.Context, content []byte, filename, approver string) (*Result, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, &model.ValidationError{Field: "file", Message: "filename is required"}
	}
	if len(content) == 0 {
		return nil, &model.ValidationError{Field: "file", Message: "file is empty"}
	}
	if err := s.extractor.CheckFilename(filename); err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("filename", filename))

	text, err := s.extractor.Extract(ctx, content, filename)
	if errors.Is(err, extract.ErrNoText) {
		return nil, &model.ValidationError{Field: "file", Message: "no text could be extracted"}
	}
	if err != nil {
		return nil, fmt.Errorf("text extraction failed: %w", err)
	}

	kind, err := s.analyzer.DetectType(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("document classification failed: %w", err)
	}
	summary, err := s.analyzer.Summarize(ctx, text, kind.Type)
	if err != nil {
		return nil, fmt.Errorf("summarization failed: %w", err)
	}

	res := &Result{
		DocumentType:  kind,
		ExtractedText: text,
		KeyPoints:     summary,
		Approver:      route(kind, strings.TrimSpace(approver)),
	}
	log = log.With(
		zap.String("document_type", string(kind.Type)),
		zap.Float64("type_confidence", kind.Confidence),
		zap.String("approver", res.Approver),
	)

	if res.Approver == "" {
		log.Info("No approver selected, not sending for approval")
		metrics.IncrementInvoiceSubmitted(false)
		return res, nil
	}
	to, ok := s.approvers[res.Approver]
	if !ok {
		return nil, &model.ValidationError{
			Field:   "approver",
			Message: fmt.Sprintf("unknown approver %q", res.Approver),
		}
	}

	id, err := s.ledger.Put(ctx, content, filename, res.Approver)
	if err != nil {
		return nil, err
	}
	res.InvoiceID = id
	log = log.With(zap.String("invoice_id", id))

	err = s.sender.Send(ctx, mailbox.ApprovalRequest{
		To:         to,
		InvoiceID:  id,
		Filename:   filename,
		Summary:    summary,
		Attachment: content,
	})
	if err != nil {
		log.Error("Failed to send approval request", zap.Error(err))
		metrics.IncrementInvoiceSubmitted(false)
		return res, nil
	}
	res.EmailSent = true
	metrics.IncrementInvoiceSubmitted(true)
	log.Info("Approval request sent")

	ev, err := mq.NewEvent(mq.EventInvoiceSubmitted, s.clock.Now(), mq.InvoiceSubmittedPayload{
		InvoiceID:    id,
		Filename:     filename,
		Approver:     res.Approver,
		DocumentType: string(kind.Type),
	})
	if err == nil {
		err = s.events.Publish(ctx, mq.EventInvoiceSubmitted, ev)
	}
	if err != nil {
		log.Warn("Failed to publish submission event", zap.Error(err))
	}
	return res, nil
}

// route picks the approver: confident invoices go to Finance and general
// documents to Normal; anything else keeps the requested approver.
func route(kind classifier.DocumentKind, requested string) string {
	switch {
	case kind.Type == classifier.DocumentInvoice && kind.Confidence > autoRouteConfidence:
		return FinanceApprover
	case kind.Type == classifier.DocumentGeneral:
		return NormalApprover
	}
	return requested
}
