package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"invoice-approval/internal/correlator"
	"invoice-approval/internal/model"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoad_LayersAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: "8000"
ledger:
  driver: file
  dir: /var/lib/invoices
approvers:
  Finance: finance@example.com
  Normal: office@example.com
  Legal: ${UNSET_LEGAL_EMAIL}
poll:
  interval: 2m
mail:
  password: ${TEST_MAIL_PASSWORD}
`)
	writeFile(t, dir, "staging.yaml", `
poll:
  interval: 30s
approval:
  low_confidence_fallback: rejected
  unmatched_policy: leave
`)
	writeFile(t, dir, "secrets.env", "TEST_MAIL_PASSWORD=hunter2\n")
	t.Setenv("LEDGER_DIR", "/tmp/override")

	cfg, err := Load("staging", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.Interval != 30*time.Second {
		t.Fatalf("poll.interval = %v, want env file to win", cfg.Poll.Interval)
	}
	if cfg.Ledger.Dir != "/tmp/override" {
		t.Fatalf("ledger.dir = %q, want env override", cfg.Ledger.Dir)
	}
	if cfg.Mail.Password != "hunter2" {
		t.Fatalf("mail.password = %q, want secret substituted", cfg.Mail.Password)
	}
	if _, ok := cfg.Approvers["Legal"]; ok || cfg.Approvers["Finance"] != "finance@example.com" {
		t.Fatalf("approvers = %v", cfg.Approvers)
	}
	if cfg.Poll.ErrorBackoff != time.Minute || cfg.Ledger.Retention != 7*24*time.Hour {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Poll, cfg.Ledger)
	}
	p := cfg.DecisionPolicy()
	if p.Threshold != 0.8 || p.LowConfidence != model.StatusRejected {
		t.Fatalf("policy = %+v", p)
	}
	if cfg.Unmatched() != correlator.LeaveUnmatched {
		t.Fatalf("unmatched = %q", cfg.Unmatched())
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"driver", "ledger:\n  driver: sqlite\n"},
		{"threshold", "approval:\n  confidence_threshold: 1.5\n"},
		{"fallback", "approval:\n  low_confidence_fallback: approved\n"},
		{"unmatched", "approval:\n  unmatched_policy: delete\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "base.yaml", tc.yaml)
			if _, err := Load("", dir); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_FallbackIsValidationError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "approval:\n  low_confidence_fallback: approved\n")
	_, err := Load("", dir)
	var ve *model.ValidationError
	if !errors.As(err, &ve) || ve.Field != "approval.low_confidence_fallback" {
		t.Fatalf("err = %v", err)
	}
}
