package decision

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"invoice-approval/internal/ledger"
	"invoice-approval/internal/lock"
	"invoice-approval/internal/model"
	"invoice-approval/pkg/clock"
	"invoice-approval/pkg/metrics"
	"invoice-approval/pkg/mq"
)

// ArchiveSink stores an approved document. Callers may retry a failed
// Store; the sink is not assumed to deduplicate.
type ArchiveSink interface {
	Store(ctx context.Context, content []byte, filename string) (model.ArchiveReceipt, error)
}

type Router struct {
	ledger         ledger.Store
	sink           ArchiveSink
	locker         lock.Locker
	events         mq.EventPublisher
	policy         Policy
	archiveTimeout time.Duration
	clock          clock.Clock
	logger         *zap.Logger
}

type Options struct {
	Policy         Policy
	ArchiveTimeout time.Duration
	Events         mq.EventPublisher
	Clock          clock.Clock
}

func NewRouter(l ledger.Store, sink ArchiveSink, locker lock.Locker, opts Options, logger *zap.Logger) *Router {
	if opts.Policy.Threshold == 0 && opts.Policy.LowConfidence == "" {
		opts.Policy = DefaultPolicy()
	}
	if opts.Events == nil {
		opts.Events = mq.Discard
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Router{
		ledger:         l,
		sink:           sink,
		locker:         locker,
		events:         opts.Events,
		policy:         opts.Policy,
		archiveTimeout: opts.ArchiveTimeout,
		clock:          opts.Clock,
		logger:         logger,
	}
}

// Apply moves the invoice named by d to its resolved status. The archive
// sink is called only for confident approvals, with the content held by
// the ledger. On error the stored status is unchanged and the reply must
// not be marked consumed.
func (r *Router) Apply(ctx context.Context, d *model.RoutedDecision) (model.Outcome, error) {
	target, err := Resolve(d.Classification, r.policy)
	if err != nil {
		return model.Outcome{}, err
	}
	out := model.Outcome{InvoiceID: d.InvoiceID, Status: target}

	release, err := r.locker.Lock(ctx, d.InvoiceID)
	if err != nil {
		return model.Outcome{}, &model.StorageError{Op: "lock", Err: err}
	}
	defer release()

	// re-read under the lock; the correlator's copy may be stale
	inv, err := r.ledger.Get(ctx, d.InvoiceID)
	if errors.Is(err, ledger.ErrNotFound) {
		return model.Outcome{}, &model.CorrelationError{
			Reason:    model.UnknownInvoice,
			InvoiceID: d.InvoiceID,
			Subject:   d.Response.Subject,
		}
	}
	if err != nil {
		return model.Outcome{}, asStorageError("reread", err)
	}

	log := r.logger.With(
		zap.String("invoice_id", d.InvoiceID),
		zap.String("from_status", string(inv.Status)),
		zap.String("to_status", string(target)),
		zap.Float64("confidence", d.Classification.Confidence),
	)

	if target == model.StatusApproved && inv.Status == model.StatusApproved {
		log.Info("Invoice already approved, not archiving again")
		out.Skipped = true
		return out, nil
	}

	update := model.StatusUpdate{
		Status:    target,
		DecidedBy: d.Response.Sender,
		Reason:    d.Classification.Reason,
	}

	if target == model.StatusApproved {
		receipt, err := r.archive(ctx, inv)
		if err != nil {
			log.Error("Archiving approved invoice failed, status left unchanged", zap.Error(err))
			return model.Outcome{}, err
		}
		update.ArchiveLocator = receipt.Locator
		update.ArchiveLink = receipt.Link
		out.Archive = &receipt
	}

	if err := r.ledger.SetStatus(ctx, d.InvoiceID, update); err != nil {
		return model.Outcome{}, asStorageError("set status", err)
	}

	switch {
	case inv.Status == model.StatusApproved && target != model.StatusApproved:
		log.Warn("Approved invoice overwritten, archived copy left in place",
			zap.String("archive_locator", inv.ArchiveLocator),
		)
	case d.Classification.Status == model.StatusApproved && target != model.StatusApproved:
		log.Warn("Low-confidence approval routed to fallback status")
	default:
		log.Info("Invoice status updated")
	}

	r.publish(ctx, inv, d, out, log)
	return out, nil
}

func (r *Router) archive(ctx context.Context, inv *model.Invoice) (model.ArchiveReceipt, error) {
	if r.archiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.archiveTimeout)
		defer cancel()
	}

	start := r.clock.Now()
	receipt, err := r.sink.Store(ctx, inv.Content, inv.Filename)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordArchiveDuration(status, r.clock.Now().Sub(start))
	if err != nil {
		return model.ArchiveReceipt{}, asStorageError("archive", err)
	}
	return receipt, nil
}

func (r *Router) publish(ctx context.Context, inv *model.Invoice, d *model.RoutedDecision, out model.Outcome, log *zap.Logger) {
	payload := mq.InvoiceDecidedPayload{
		InvoiceID:      inv.ID,
		Filename:       inv.Filename,
		Status:         string(out.Status),
		PreviousStatus: string(inv.Status),
		Confidence:     d.Classification.Confidence,
		Reason:         d.Classification.Reason,
		DecidedBy:      d.Response.Sender,
	}
	if out.Archive != nil {
		payload.ArchiveLink = out.Archive.Link
	}
	routingKey := mq.EventInvoicePrefix + string(out.Status)
	ev, err := mq.NewEvent(routingKey, r.clock.Now(), payload)
	if err == nil {
		err = r.events.Publish(ctx, routingKey, ev)
	}
	if err != nil {
		log.Warn("Failed to publish decision event", zap.Error(err))
	}
}

func asStorageError(op string, err error) error {
	var se *model.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}
