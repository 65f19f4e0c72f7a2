package model

import "time"

// Status is the approval state of an invoice.
type Status string

const (
	StatusPending            Status = "pending"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusNeedsModifications Status = "needs_modifications"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusNeedsModifications:
		return true
	}
	return false
}

// Terminal reports whether s is a decided status.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

// Invoice is a submitted document awaiting, or past, a human decision.
type Invoice struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Content   []byte    `json:"-"`
	Submitter string    `json:"submitter"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DecidedBy      string `json:"decided_by,omitempty"`
	DecisionReason string `json:"decision_reason,omitempty"`
	ArchiveLocator string `json:"archive_locator,omitempty"`
	ArchiveLink    string `json:"archive_link,omitempty"`
}

// StatusUpdate is applied by Ledger.SetStatus. Empty optional fields keep
// their stored values.
type StatusUpdate struct {
	Status         Status
	DecidedBy      string
	Reason         string
	ArchiveLocator string
	ArchiveLink    string
}

// ListFilter narrows Ledger.List. Zero value lists everything.
type ListFilter struct {
	Status Status
	Limit  int
}
