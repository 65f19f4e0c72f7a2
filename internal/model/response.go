package model

import "time"

// InboundResponse is an approver's reply as fetched from the mailbox.
type InboundResponse struct {
	MessageID  string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Classification is the validated verdict of the response classifier.
type Classification struct {
	Status     Status  `json:"status"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// RoutedDecision ties a reply to its invoice and the classifier verdict.
type RoutedDecision struct {
	InvoiceID      string
	Invoice        *Invoice
	Classification Classification
	Response       InboundResponse
}

// ArchiveReceipt is what the archival sink returns for a stored file.
type ArchiveReceipt struct {
	Locator string `json:"locator"`
	Link    string `json:"link"`
}

// Outcome is the transition the decision router applied.
type Outcome struct {
	InvoiceID string
	Status    Status
	Archive   *ArchiveReceipt
	// Skipped is set when the invoice already carried this status and no
	// side effect was repeated.
	Skipped bool
}
