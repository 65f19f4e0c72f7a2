package model

import "time"

// ProcessedEmail is one line of a cycle report.
type ProcessedEmail struct {
	Timestamp  time.Time `json:"timestamp"`
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	InvoiceID  string    `json:"invoice_id,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Consumed   bool      `json:"consumed"`
	Error      string    `json:"error,omitempty"`
}

// ProcessingSummary aggregates one poll cycle.
type ProcessingSummary struct {
	CycleID            string           `json:"cycle_id"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
	TotalProcessed     int              `json:"total_processed"`
	Approved           int              `json:"approved"`
	Rejected           int              `json:"rejected"`
	NeedsModifications int              `json:"needs_modifications"`
	// Skipped counts replies that repeated an invoice's current approval.
	Skipped            int              `json:"skipped"`
	Errors             int              `json:"errors"`
	ProcessedEmails    []ProcessedEmail `json:"processed_emails"`
}

// Count tallies a successful transition.
func (s *ProcessingSummary) Count(status Status) {
	s.TotalProcessed++
	switch status {
	case StatusApproved:
		s.Approved++
	case StatusRejected:
		s.Rejected++
	case StatusNeedsModifications:
		s.NeedsModifications++
	}
}
