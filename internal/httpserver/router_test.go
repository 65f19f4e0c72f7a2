package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"invoice-approval/internal/classifier"
	"invoice-approval/internal/handler"
	"invoice-approval/internal/ledger"
	"invoice-approval/internal/model"
	"invoice-approval/internal/service/submission"
	"invoice-approval/pkg/rbac"
	"invoice-approval/pkg/trace"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSubmitter struct {
	gotFilename, gotApprover string
	gotContent               []byte
	err                      error
}

func (f *fakeSubmitter) Submit(ctx context.Context, content []byte, filename, approver string) (*submission.Result, error) {
	f.gotContent, f.gotFilename, f.gotApprover = content, filename, approver
	if f.err != nil {
		return nil, f.err
	}
	return &submission.Result{
		DocumentType: classifier.DocumentKind{Type: classifier.DocumentInvoice, Confidence: 0.9},
		KeyPoints:    "- total 100",
		EmailSent:    true,
		Approver:     "Finance",
		InvoiceID:    "8f14e45f-ceea-467f-a8f5-1c7a2c1f0b11",
	}, nil
}

func (f *fakeSubmitter) Approvers() []string { return []string{"Finance", "Normal"} }

type fakeProcessor struct {
	summary *model.ProcessingSummary
	err     error
	purged  int
}

func (f *fakeProcessor) RunCycle(ctx context.Context) (*model.ProcessingSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.summary = &model.ProcessingSummary{CycleID: "c1", TotalProcessed: 1, Approved: 1}
	return f.summary, nil
}

func (f *fakeProcessor) LastSummary() *model.ProcessingSummary { return f.summary }

func (f *fakeProcessor) Purge(ctx context.Context) (int, error) { return f.purged, nil }

type env struct {
	router *gin.Engine
	sub    *fakeSubmitter
	proc   *fakeProcessor
	store  *ledger.FileStore
}

func newEnv(t *testing.T, secret string, checks map[string]ReadinessCheck) *env {
	t.Helper()
	store, err := ledger.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	log := zaptest.NewLogger(t)
	e := &env{sub: &fakeSubmitter{}, proc: &fakeProcessor{purged: 3}, store: store}
	e.router = NewRouter(Deps{
		Invoices:   handler.NewInvoiceHandler(e.sub, store, log),
		Processing: handler.NewProcessingHandler(e.proc, log),
		JWTSecret:  secret,
		Checks:     checks,
		Logger:     log,
	})
	return e
}

func (e *env) do(req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func uploadRequest(t *testing.T, filename string, content []byte, approver string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	if approver != "" {
		mw.WriteField("approver", approver)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload-invoice/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadInvoice(t *testing.T) {
	e := newEnv(t, "", nil)
	w, body := e.do(uploadRequest(t, "inv.pdf", []byte("%PDF-1.4"), "Legal"))
	if w.Code != http.StatusOK || body["status"] != "success" {
		t.Fatalf("status %d body %v", w.Code, body)
	}
	if body["approver"] != "Finance" || body["email_sent"] != true || body["invoice_id"] == "" {
		t.Fatalf("body = %v", body)
	}
	if e.sub.gotFilename != "inv.pdf" || e.sub.gotApprover != "Legal" || string(e.sub.gotContent) != "%PDF-1.4" {
		t.Fatalf("submitter got %q %q %q", e.sub.gotFilename, e.sub.gotApprover, e.sub.gotContent)
	}
}

func TestUploadInvoice_Errors(t *testing.T) {
	e := newEnv(t, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/upload-invoice/", nil)
	if w, body := e.do(req); w.Code != http.StatusBadRequest || body["status"] != "error" {
		t.Fatalf("missing file: %d %v", w.Code, body)
	}

	e.sub.err = &model.ValidationError{Field: "file", Message: "unsupported file type"}
	if w, body := e.do(uploadRequest(t, "a.exe", []byte("x"), "")); w.Code != http.StatusBadRequest || body["message"] != "file: unsupported file type" {
		t.Fatalf("validation: %d %v", w.Code, body)
	}

	e.sub.err = errors.New("llm: connection refused to 10.0.0.5")
	w, body := e.do(uploadRequest(t, "a.pdf", []byte("x"), ""))
	if w.Code != http.StatusInternalServerError || body["message"] != "failed to process document" {
		t.Fatalf("internal: %d %v", w.Code, body)
	}
}

func TestApprovers(t *testing.T) {
	e := newEnv(t, "", nil)
	w, body := e.do(httptest.NewRequest(http.MethodGet, "/approvers/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	list, _ := body["approvers"].([]any)
	if len(list) != 2 || list[0] != "Finance" {
		t.Fatalf("approvers = %v", body["approvers"])
	}
}

func TestInvoices(t *testing.T) {
	e := newEnv(t, "", nil)
	ctx := context.Background()
	id, err := e.store.Put(ctx, []byte("pdf"), "a.pdf", "Finance")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.Put(ctx, []byte("pdf"), "b.pdf", "Finance"); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetStatus(ctx, id, model.StatusUpdate{Status: model.StatusRejected}); err != nil {
		t.Fatal(err)
	}

	w, body := e.do(httptest.NewRequest(http.MethodGet, "/invoices?status=rejected", nil))
	list, _ := body["invoices"].([]any)
	if w.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list rejected: %d %v", w.Code, body)
	}

	w, body = e.do(httptest.NewRequest(http.MethodGet, "/invoices/"+id, nil))
	inv, _ := body["invoice"].(map[string]any)
	if w.Code != http.StatusOK || inv["status"] != "rejected" || inv["filename"] != "a.pdf" {
		t.Fatalf("get: %d %v", w.Code, body)
	}

	if w, _ := e.do(httptest.NewRequest(http.MethodGet, "/invoices/not-a-uuid", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("bad id: %d", w.Code)
	}
	if w, _ := e.do(httptest.NewRequest(http.MethodGet, "/invoices?status=archived", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", w.Code)
	}
}

func TestProcessingEndpoints(t *testing.T) {
	e := newEnv(t, "", nil)

	if w, _ := e.do(httptest.NewRequest(http.MethodGet, "/processing/last", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("last before any cycle: %d", w.Code)
	}

	w, body := e.do(httptest.NewRequest(http.MethodGet, "/check-email-processing/", nil))
	results, _ := body["results"].(map[string]any)
	if w.Code != http.StatusOK || results["total_processed"] != float64(1) {
		t.Fatalf("check: %d %v", w.Code, body)
	}

	if w, _ := e.do(httptest.NewRequest(http.MethodGet, "/processing/last", nil)); w.Code != http.StatusOK {
		t.Fatalf("last: %d", w.Code)
	}

	e.proc.err = &model.TransportError{Op: "connect", Err: errors.New("dial tcp: timeout")}
	w, body = e.do(httptest.NewRequest(http.MethodGet, "/check-email-processing/", nil))
	if w.Code != http.StatusBadGateway || body["status"] != "error" {
		t.Fatalf("transport failure: %d %v", w.Code, body)
	}
}

func TestAdminPurge_Auth(t *testing.T) {
	const secret = "s3cret"
	e := newEnv(t, secret, nil)

	purge := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/admin/purge", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w, _ := e.do(req)
		return w.Code
	}

	if code := purge(""); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code := purge("garbage"); code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", code)
	}
	viewer, _ := GenerateToken("alice", rbac.RoleViewer, secret, time.Hour)
	if code := purge(viewer); code != http.StatusForbidden {
		t.Fatalf("viewer: %d", code)
	}
	forged, _ := GenerateToken("mallory", rbac.RoleAdmin, "other-secret", time.Hour)
	if code := purge(forged); code != http.StatusUnauthorized {
		t.Fatalf("forged: %d", code)
	}
	expired, _ := GenerateToken("bob", rbac.RoleAdmin, secret, -time.Minute)
	if code := purge(expired); code != http.StatusUnauthorized {
		t.Fatalf("expired: %d", code)
	}
	admin, _ := GenerateToken("bob", rbac.RoleAdmin, secret, time.Hour)
	if code := purge(admin); code != http.StatusOK {
		t.Fatalf("admin: %d", code)
	}
}

func TestAdminPurge_OpenWithoutSecret(t *testing.T) {
	e := newEnv(t, "", nil)
	w, body := e.do(httptest.NewRequest(http.MethodPost, "/admin/purge", nil))
	if w.Code != http.StatusOK || body["removed"] != float64(3) {
		t.Fatalf("purge: %d %v", w.Code, body)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	var dbErr error
	e := newEnv(t, "", map[string]ReadinessCheck{
		"db": func(ctx context.Context) error { return dbErr },
	})

	if w, _ := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w, _ := e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusOK {
		t.Fatalf("readyz: %d", w.Code)
	}
	dbErr = errors.New("connection refused")
	w, body := e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || body["status"] != "db_not_ready" {
		t.Fatalf("readyz down: %d %v", w.Code, body)
	}
	if w, _ := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestTraceHeader(t *testing.T) {
	e := newEnv(t, "", nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(trace.HeaderName(), "abc123")
	w, _ := e.do(req)
	if got := w.Header().Get(trace.HeaderName()); got != "abc123" {
		t.Fatalf("trace header = %q", got)
	}

	w, _ = e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if len(w.Header().Get(trace.HeaderName())) != 32 {
		t.Fatalf("generated trace id = %q", w.Header().Get(trace.HeaderName()))
	}
}
