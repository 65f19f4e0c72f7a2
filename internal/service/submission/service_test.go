package submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"invoice-approval/internal/classifier"
	"invoice-approval/internal/extract"
	"invoice-approval/internal/ledger"
	"invoice-approval/internal/mailbox"
	"invoice-approval/internal/model"
	"invoice-approval/pkg/clock"
	"invoice-approval/pkg/mq"
)

type fakeAnalyzer struct {
	kind classifier.DocumentKind
	err  error
}

func (f fakeAnalyzer) DetectType(ctx context.Context, text string) (classifier.DocumentKind, error) {
	return f.kind, f.err
}

func (f fakeAnalyzer) Summarize(ctx context.Context, text string, t classifier.DocumentType) (string, error) {
	return "summary of " + string(t), nil
}

// checkingSender asserts the ledger already holds the invoice when the
// email goes out.
type checkingSender struct {
	t      *testing.T
	ledger ledger.Store
	sent   []mailbox.ApprovalRequest
	err    error
}

func (c *checkingSender) Send(ctx context.Context, req mailbox.ApprovalRequest) error {
	if _, err := c.ledger.Get(ctx, req.InvoiceID); err != nil {
		c.t.Errorf("email sent before ledger write: %v", err)
	}
	c.sent = append(c.sent, req)
	return c.err
}

var approvers = map[string]string{
	"Finance": "finance@example.com",
	"Normal":  "office@example.com",
	"Legal":   "legal@example.com",
}

func newService(t *testing.T, kind classifier.DocumentKind) (*Service, *ledger.FileStore, *checkingSender) {
	t.Helper()
	store, err := ledger.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sender := &checkingSender{t: t, ledger: store}
	svc := NewService(store, extract.New(nil), fakeAnalyzer{kind: kind}, sender, approvers, nil, nil, zaptest.NewLogger(t))
	return svc, store, sender
}

func TestSubmit_InvoiceRoutesToFinance(t *testing.T) {
	svc, store, sender := newService(t, classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.93})

	res, err := svc.Submit(context.Background(), []byte("INVOICE #1 total 100"), "inv.txt", "Legal")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Approver != "Finance" || !res.EmailSent || res.InvoiceID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.KeyPoints != "summary of invoice" || res.ExtractedText != "INVOICE #1 total 100" {
		t.Fatalf("unexpected analysis: %+v", res)
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "finance@example.com" || sender.sent[0].InvoiceID != res.InvoiceID {
		t.Fatalf("sent = %+v", sender.sent)
	}

	inv, err := store.Get(context.Background(), res.InvoiceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inv.Status != model.StatusPending || inv.Submitter != "Finance" || string(inv.Content) != "INVOICE #1 total 100" {
		t.Fatalf("ledger record: %+v", inv)
	}
}

func TestSubmit_Routing(t *testing.T) {
	cases := []struct {
		name      string
		kind      classifier.DocumentKind
		requested string
		want      string
	}{
		{"general goes to Normal", classifier.DocumentKind{Type: classifier.DocumentGeneral, Confidence: 0.4}, "Legal", "Normal"},
		{"unsure invoice keeps request", classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.8}, "Legal", "Legal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newService(t, tc.kind)
			res, err := svc.Submit(context.Background(), []byte("text"), "doc.txt", tc.requested)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if res.Approver != tc.want {
				t.Fatalf("approver = %q, want %q", res.Approver, tc.want)
			}
		})
	}
}

func TestSubmit_NoApproverSendsNothing(t *testing.T) {
	svc, store, sender := newService(t, classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.5})
	res, err := svc.Submit(context.Background(), []byte("text"), "doc.txt", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.EmailSent || res.InvoiceID != "" || len(sender.sent) != 0 {
		t.Fatalf("nothing should be sent: %+v", res)
	}
	all, _ := store.List(context.Background(), model.ListFilter{})
	if len(all) != 0 {
		t.Fatalf("ledger should be empty, has %d", len(all))
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	svc, store, _ := newService(t, classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.5})
	ctx := context.Background()

	cases := []struct {
		name     string
		content  []byte
		filename string
		approver string
	}{
		{"bad extension", []byte("x"), "evil.exe", "Legal"},
		{"empty file", nil, "a.txt", "Legal"},
		{"unknown approver", []byte("x"), "a.txt", "Nobody"},
		{"no text", []byte("   \n"), "blank.txt", "Legal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tc.content, tc.filename, tc.approver)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
	all, _ := store.List(ctx, model.ListFilter{})
	if len(all) != 0 {
		t.Fatalf("rejected uploads must not reach the ledger, found %d", len(all))
	}
}

func TestSubmit_SendFailureReported(t *testing.T) {
	svc, _, sender := newService(t, classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.95})
	sender.err = errors.New("smtp: 535 auth failed")

	res, err := svc.Submit(context.Background(), []byte("text"), "inv.txt", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.EmailSent {
		t.Fatal("EmailSent should be false when SMTP fails")
	}
}

func TestApprovers(t *testing.T) {
	svc, _, _ := newService(t, classifier.DocumentKind{})
	got := svc.Approvers()
	if len(got) != 3 || got[0] != "Finance" || got[1] != "Legal" || got[2] != "Normal" {
		t.Fatalf("Approvers = %v", got)
	}
}

// brokenStore fails every write.
type brokenStore struct {
	ledger.Store
}

func (brokenStore) Put(ctx context.Context, content []byte, filename, submitter string) (string, error) {
	return "", &model.StorageError{Op: "put", Err: errors.New("disk full")}
}

func (brokenStore) Get(ctx context.Context, id string) (*model.Invoice, error) {
	return nil, ledger.ErrNotFound
}

func TestSubmit_LedgerFailureSendsNothing(t *testing.T) {
	store := brokenStore{}
	sender := &checkingSender{t: t, ledger: store}
	svc := NewService(store, extract.New(nil), fakeAnalyzer{kind: classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.95}},
		sender, approvers, nil, nil, zaptest.NewLogger(t))

	res, err := svc.Submit(context.Background(), []byte("INVOICE #7"), "inv.txt", "")
	var se *model.StorageError
	if !errors.As(err, &se) || se.Op != "put" {
		t.Fatalf("err = %v, want put StorageError", err)
	}
	if res != nil {
		t.Fatalf("no result expected on ledger failure: %+v", res)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("approval email sent without a ledger record: %+v", sender.sent)
	}
}

type recordingEvents struct {
	keys   []string
	events []mq.Event
}

func (r *recordingEvents) Publish(ctx context.Context, key string, payload any) error {
	r.keys = append(r.keys, key)
	if ev, ok := payload.(mq.Event); ok {
		r.events = append(r.events, ev)
	}
	return nil
}

func TestSubmit_EventTimestampFromClock(t *testing.T) {
	store, err := ledger.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	at := time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)
	events := &recordingEvents{}
	svc := NewService(store, extract.New(nil), fakeAnalyzer{kind: classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.95}},
		&checkingSender{t: t, ledger: store}, approvers, events, clock.NewFake(at), zaptest.NewLogger(t))

	if _, err := svc.Submit(context.Background(), []byte("INVOICE #8"), "inv.txt", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(events.events) != 1 || events.keys[0] != mq.EventInvoiceSubmitted {
		t.Fatalf("events = %v", events.keys)
	}
	if !events.events[0].OccurredAt.Equal(at) {
		t.Fatalf("occurred_at = %v, want %v", events.events[0].OccurredAt, at)
	}
}
