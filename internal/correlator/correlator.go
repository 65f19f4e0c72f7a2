// Package correlator ties an inbound approval reply to the invoice it
// answers and obtains the classifier's verdict for it.
package correlator

import (
	"context"
	"errors"
	"strings"
	"time"

	"invoice-approval/internal/classifier"
	"invoice-approval/internal/ledger"
	"invoice-approval/internal/model"
)

// IDMarker precedes the invoice id in outbound and reply subjects.
const IDMarker = "ID:"

var errEmptyBody = errors.New("reply has no readable body")

// ExtractInvoiceID returns the trimmed text after the last "ID:" marker in
// subject. The marker is searched for, not expected at a fixed position,
// so reply prefixes such as "Re:" or "AW:" do not matter.
func ExtractInvoiceID(subject string) (string, bool) {
	i := strings.LastIndex(subject, IDMarker)
	if i < 0 {
		return "", false
	}
	id := strings.TrimSpace(subject[i+len(IDMarker):])
	return id, id != ""
}

// Correlator reads the ledger; it never writes to it.
type Correlator struct {
	ledger          ledger.Store
	classifier      classifier.Classifier
	classifyTimeout time.Duration
}

func New(l ledger.Store, c classifier.Classifier, classifyTimeout time.Duration) *Correlator {
	return &Correlator{
		ledger:          l,
		classifier:      c,
		classifyTimeout: classifyTimeout,
	}
}

// Correlate resolves msg to a routed decision. Errors are
// *model.CorrelationError, *model.StorageError or
// *model.ClassificationError.
func (c *Correlator) Correlate(ctx context.Context, msg model.InboundResponse) (*model.RoutedDecision, error) {
	id, ok := ExtractInvoiceID(msg.Subject)
	if !ok {
		return nil, &model.CorrelationError{Reason: model.MissingIdentifier, Subject: msg.Subject}
	}

	inv, err := c.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, &model.CorrelationError{Reason: model.UnknownInvoice, InvoiceID: id, Subject: msg.Subject}
	}
	if err != nil {
		var se *model.StorageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &model.StorageError{Op: "lookup", Err: err}
	}

	// an unparseable message arrives with no body; nothing to classify
	if strings.TrimSpace(msg.Body) == "" {
		return nil, &model.ClassificationError{Err: errEmptyBody}
	}

	verdict, err := c.classify(ctx, msg.Body)
	if err != nil {
		return nil, err
	}

	return &model.RoutedDecision{
		InvoiceID:      id,
		Invoice:        inv,
		Classification: verdict,
		Response:       msg,
	}, nil
}

func (c *Correlator) classify(ctx context.Context, body string) (model.Classification, error) {
	if c.classifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.classifyTimeout)
		defer cancel()
	}
	verdict, err := c.classifier.Classify(ctx, body)
	if err != nil {
		var ce *model.ClassificationError
		if errors.As(err, &ce) {
			return model.Classification{}, err
		}
		return model.Classification{}, &model.ClassificationError{Err: err}
	}
	return verdict, nil
}

// UnmatchedPolicy decides what happens to replies that cannot be tied to
// an invoice.
type UnmatchedPolicy string

const (
	// ConsumeUnmatched marks such replies seen after logging them, so a
	// stale or purged id is not re-fetched every cycle.
	ConsumeUnmatched UnmatchedPolicy = "consume"
	// LeaveUnmatched keeps them unseen for a human to inspect.
	LeaveUnmatched UnmatchedPolicy = "leave"
)

// ParsePolicy maps a config value to a policy; empty means consume.
func ParsePolicy(s string) (UnmatchedPolicy, error) {
	switch UnmatchedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConsumeUnmatched:
		return ConsumeUnmatched, nil
	case LeaveUnmatched:
		return LeaveUnmatched, nil
	}
	return "", &model.ValidationError{Field: "approval.unmatched_policy", Message: "must be consume or leave"}
}

// ShouldConsume reports whether a message that failed with err is marked
// seen anyway. Only correlation failures are eligible; classification and
// storage failures always leave the message for the next cycle.
func (p UnmatchedPolicy) ShouldConsume(err error) bool {
	var ce *model.CorrelationError
	if !errors.As(err, &ce) {
		return false
	}
	return p == ConsumeUnmatched
}
