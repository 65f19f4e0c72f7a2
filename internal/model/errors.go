package model

import (
	"context"
	"errors"
	"fmt"
)

// TransportError wraps mail connect/fetch/mark failures. Retried next cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// CorrelationReason says why a reply could not be tied to an invoice.
type CorrelationReason string

const (
	MissingIdentifier CorrelationReason = "missing_identifier"
	UnknownInvoice    CorrelationReason = "unknown_invoice"
)

// CorrelationError is returned when a reply names no invoice or an
// invoice the ledger does not hold.
type CorrelationError struct {
	Reason    CorrelationReason
	InvoiceID string
	Subject   string
}

func (e *CorrelationError) Error() string {
	if e.InvoiceID != "" {
		return fmt.Sprintf("correlation %s: invoice %q (subject %q)", e.Reason, e.InvoiceID, e.Subject)
	}
	return fmt.Sprintf("correlation %s: subject %q", e.Reason, e.Subject)
}

// ClassificationError covers oracle failures and unparseable verdicts.
type ClassificationError struct {
	Err error
	// Raw holds the offending payload, truncated, when parsing failed.
	Raw string
}

func (e *ClassificationError) Error() string { return "classification: " + e.Err.Error() }
func (e *ClassificationError) Unwrap() error { return e.Err }

// StorageError wraps ledger or archival sink I/O failures. Status is not
// advanced when one is returned, so the operation is safe to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError is a caller mistake at upload time.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ErrorKind maps err to a short label for logs and metrics.
func ErrorKind(err error) string {
	var (
		te *TransportError
		ce *CorrelationError
		le *ClassificationError
		se *StorageError
		ve *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return string(ce.Reason)
	case errors.As(err, &le):
		return "classification"
	case errors.As(err, &se):
		return "storage"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}
