package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"invoice-approval/pkg/llm"
)

type DocumentType string

const (
	DocumentInvoice DocumentType = "invoice"
	DocumentGeneral DocumentType = "general"
)

// DocumentKind is the detected type of an uploaded document.
type DocumentKind struct {
	Type       DocumentType `json:"document_type"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
}

// Models used by DocumentAnalyzer. Structure runs on a cheap model and
// feeds the summary model.
type Models struct {
	Detect    string
	Structure string
	Summary   string
}

// DocumentAnalyzer classifies and summarizes uploaded documents before
// they are sent out for approval.
type DocumentAnalyzer struct {
	llm    llm.Completer
	models Models
}

func NewDocumentAnalyzer(c llm.Completer, models Models) *DocumentAnalyzer {
	return &DocumentAnalyzer{llm: c, models: models}
}

const detectPrompt = `You are an expert at document classification.
Decide whether the text is an invoice or a general document.
Invoices usually have billing or payment details, an invoice number,
line items with prices, a total amount and payment terms.

Respond with a JSON object:
{"document_type": "invoice" | "general", "confidence": <0..1>, "reasoning": "<brief explanation>"}`

// DetectType asks the model whether text is an invoice.
func (a *DocumentAnalyzer) DetectType(ctx context.Context, text string) (DocumentKind, error) {
	raw, err := a.llm.Complete(ctx, llm.Request{
		Model:       a.models.Detect,
		System:      detectPrompt,
		User:        "Classify this document:\n\n" + text,
		Temperature: 0.3,
		JSON:        true,
		Purpose:     "doc_type",
	})
	if err != nil {
		return DocumentKind{}, err
	}

	var kind DocumentKind
	if err := json.Unmarshal([]byte(stripFences(raw)), &kind); err != nil {
		return DocumentKind{}, fmt.Errorf("decode document type: %w", err)
	}
	kind.Type = DocumentType(strings.ToLower(strings.TrimSpace(string(kind.Type))))
	if kind.Type != DocumentInvoice && kind.Type != DocumentGeneral {
		return DocumentKind{}, fmt.Errorf("unknown document type %q", kind.Type)
	}
	return kind, nil
}

const (
	invoiceStructurePrompt = `You are an expert at organizing invoice data.
Extract and structure the following information if available:
- Company name
- Invoice number
- Dates
- Customer details
- Items and services
- Payment terms
- Total amount`

	generalStructurePrompt = `You are an expert at summarizing general documents.
Extract and summarize the key points of the text.`

	summaryPrompt = `You are an expert at summarizing information.
Write a concise, natural-sounding summary with the main points and any important details.`
)

// Summarize structures text for its type and then condenses the result
// into a short summary suitable for an approval email.
func (a *DocumentAnalyzer) Summarize(ctx context.Context, text string, docType DocumentType) (string, error) {
	system, user := generalStructurePrompt, "Summarize this document text:\n\n"+text
	if docType == DocumentInvoice {
		system, user = invoiceStructurePrompt, "Structure this invoice text:\n\n"+text
	}

	structured, err := a.llm.Complete(ctx, llm.Request{
		Model:       a.models.Structure,
		System:      system,
		User:        user,
		Temperature: 0.3,
		Purpose:     "structure",
	})
	if err != nil {
		return "", fmt.Errorf("structure: %w", err)
	}

	summary, err := a.llm.Complete(ctx, llm.Request{
		Model:       a.models.Summary,
		System:      summaryPrompt,
		User:        "Create a natural summary from this structured data:\n\n" + structured,
		Temperature: 0.7,
		MaxTokens:   200,
		Purpose:     "summary",
	})
	if err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
