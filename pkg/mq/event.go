package mq

import (
	"context"
	"encoding/json"
	"time"
)

// Routing keys on the invoice exchange.
const (
	EventInvoiceSubmitted = "invoice.submitted"
	EventInvoicePrefix    = "invoice."
)

// Event is the envelope every message on the exchange carries.
type Event struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func NewEvent(eventType string, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       eventType,
		OccurredAt: at.UTC(),
		Data:       data,
	}, nil
}

// InvoiceDecidedPayload is published as invoice.<status> after a reply
// moved an invoice to a decided status.
type InvoiceDecidedPayload struct {
	InvoiceID      string  `json:"invoice_id"`
	Filename       string  `json:"filename"`
	Status         string  `json:"status"`
	PreviousStatus string  `json:"previous_status"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason,omitempty"`
	DecidedBy      string  `json:"decided_by,omitempty"`
	ArchiveLink    string  `json:"archive_link,omitempty"`
}

// InvoiceSubmittedPayload is published once an approval request went out.
type InvoiceSubmittedPayload struct {
	InvoiceID    string `json:"invoice_id"`
	Filename     string `json:"filename"`
	Approver     string `json:"approver"`
	DocumentType string `json:"document_type"`
}

// EventPublisher is the publishing side used by the services. *Publisher
// implements it; Discard drops everything.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Discard is used when no broker is configured.
var Discard EventPublisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, any) error { return nil }
