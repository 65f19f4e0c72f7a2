// Package ledger is the durable record of submitted invoices: content,
// routing and approval status keyed by invoice id.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"invoice-approval/internal/model"
)

var (
	ErrNotFound          = errors.New("invoice not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is shared by the submission handlers and the poll loop. All
// mutation is keyed by invoice id; implementations never take a global
// lock around a single record update.
type Store interface {
	// Put persists a new pending invoice and returns its id. The record is
	// durable when Put returns, so the id may be advertised.
	Put(ctx context.Context, content []byte, filename, submitter string) (string, error)
	Get(ctx context.Context, id string) (*model.Invoice, error)
	// SetStatus moves an invoice to a decided status. A decided invoice may
	// be overwritten by a later decision; nothing returns to pending.
	SetStatus(ctx context.Context, id string, u model.StatusUpdate) error
	// Purge removes decided invoices created before olderThan and reports
	// how many went. Pending invoices are kept regardless of age.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
	// List returns metadata only, newest first.
	List(ctx context.Context, f model.ListFilter) ([]model.Invoice, error)
}

func newID() string {
	return uuid.NewString()
}

// validID rejects anything that is not a uuid. Ids arrive from reply
// subjects, so they are untrusted and must never reach a file path as-is.
func validID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

func checkUpdate(u model.StatusUpdate) error {
	if !u.Status.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}

// applyUpdate writes u onto inv. Empty optional fields keep stored values,
// except the archive fields, which only survive on an approved record.
func applyUpdate(inv *model.Invoice, u model.StatusUpdate, now time.Time) {
	inv.Status = u.Status
	inv.UpdatedAt = now
	if u.DecidedBy != "" {
		inv.DecidedBy = u.DecidedBy
	}
	if u.Reason != "" {
		inv.DecisionReason = u.Reason
	}
	// archive fields describe an approval; any other status drops them
	if u.Status != model.StatusApproved {
		inv.ArchiveLocator = ""
		inv.ArchiveLink = ""
		return
	}
	if u.ArchiveLocator != "" {
		inv.ArchiveLocator = u.ArchiveLocator
	}
	if u.ArchiveLink != "" {
		inv.ArchiveLink = u.ArchiveLink
	}
}

func purgeable(inv *model.Invoice, olderThan time.Time) bool {
	return inv.Status.Terminal() && inv.CreatedAt.Before(olderThan)
}

func storageErr(op string, err error) error {
	return &model.StorageError{Op: op, Err: err}
}
