// Package supervisor runs the approval reply poll loop: fetch unread
// replies, correlate and apply each one, and keep going whatever fails.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"invoice-approval/internal/correlator"
	"invoice-approval/internal/model"
	"invoice-approval/pkg/clock"
	"invoice-approval/pkg/logger"
	"invoice-approval/pkg/metrics"
	"invoice-approval/pkg/trace"
)

// MailSource is the mailbox holding approver replies. FetchUnread must not
// mark anything seen; only MarkConsumed does.
type MailSource interface {
	Connect(ctx context.Context) error
	FetchUnread(ctx context.Context, subjectFilter string) ([]model.InboundResponse, error)
	MarkConsumed(ctx context.Context, messageID string) error
	Disconnect() error
}

type Correlator interface {
	Correlate(ctx context.Context, msg model.InboundResponse) (*model.RoutedDecision, error)
}

type Router interface {
	Apply(ctx context.Context, d *model.RoutedDecision) (model.Outcome, error)
}

type Purger interface {
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

type Config struct {
	SubjectFilter string
	Interval      time.Duration
	ErrorBackoff  time.Duration
	// FetchTimeout bounds connect, fetch and each mark-consumed call.
	FetchTimeout  time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
	Unmatched     correlator.UnmatchedPolicy
}

func (c *Config) setDefaults() {
	if c.SubjectFilter == "" {
		c.SubjectFilter = "Re: Invoice Approval Request"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.Unmatched == "" {
		c.Unmatched = correlator.ConsumeUnmatched
	}
}

type Supervisor struct {
	cfg        Config
	source     MailSource
	correlator Correlator
	router     Router
	ledger     Purger
	clock      clock.Clock
	logger     *zap.Logger

	// cycleMu keeps on-demand and background cycles from overlapping.
	cycleMu   sync.Mutex
	lastPurge time.Time

	lastMu sync.RWMutex
	last   *model.ProcessingSummary
}

func New(cfg Config, source MailSource, c Correlator, r Router, l Purger, clk clock.Clock, log *zap.Logger) *Supervisor {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Supervisor{
		cfg:        cfg,
		source:     source,
		correlator: c,
		router:     r,
		ledger:     l,
		clock:      clk,
		logger:     log,
	}
}

// Run drives cycles until ctx is cancelled. A failed cycle shortens the
// next wait to ErrorBackoff; Run itself never returns because of one.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Starting approval poll loop",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("error_backoff", s.cfg.ErrorBackoff),
		zap.String("subject_filter", s.cfg.SubjectFilter),
	)

	for {
		if ctx.Err() != nil {
			s.logger.Info("Approval poll loop stopped")
			return nil
		}

		wait := s.cfg.Interval
		if _, err := s.safeCycle(ctx); err != nil {
			s.logger.Error("Poll cycle failed, backing off",
				zap.Error(err),
				zap.Duration("retry_in", s.cfg.ErrorBackoff),
			)
			wait = s.cfg.ErrorBackoff
		}
		s.maybePurge(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Approval poll loop stopped")
			return nil
		case <-s.clock.After(wait):
		}
	}
}

func (s *Supervisor) safeCycle(ctx context.Context) (summary *model.ProcessingSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panic: %v", r)
		}
	}()
	return s.RunCycle(ctx)
}

// RunCycle processes every unread reply once, in fetch order. Per-message
// failures are tallied in the summary; only connect and fetch failures
// are returned. Cancelling ctx stops the cycle before the next message;
// calls already in flight run to their own timeouts.
func (s *Supervisor) RunCycle(ctx context.Context) (*model.ProcessingSummary, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	cycleID := trace.GenerateTraceID()
	ctx = trace.WithContext(ctx, cycleID)
	log := logger.WithTrace(ctx, s.logger)
	work := context.WithoutCancel(ctx)

	summary := &model.ProcessingSummary{
		CycleID:         cycleID,
		StartedAt:       s.clock.Now(),
		ProcessedEmails: []model.ProcessedEmail{},
	}

	msgs, err := s.fetch(work)
	if err != nil {
		metrics.IncrementPollCycle("failed")
		return nil, err
	}
	defer func() {
		if err := s.source.Disconnect(); err != nil {
			log.Warn("Mailbox disconnect failed", zap.Error(err))
		}
	}()

	log.Info("Fetched approval replies", zap.Int("count", len(msgs)))

	for _, msg := range msgs {
		if ctx.Err() != nil {
			log.Info("Shutdown requested, leaving remaining replies for the next run",
				zap.Int("remaining", len(msgs)-len(summary.ProcessedEmails)),
			)
			break
		}
		entry := s.process(work, msg, summary, log)
		summary.ProcessedEmails = append(summary.ProcessedEmails, entry)
	}

	summary.FinishedAt = s.clock.Now()
	s.setLast(summary)
	metrics.IncrementPollCycle("ok")

	log.Info("Approval processing summary",
		zap.Int("total_processed", summary.TotalProcessed),
		zap.Int("approved", summary.Approved),
		zap.Int("rejected", summary.Rejected),
		zap.Int("needs_modifications", summary.NeedsModifications),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}

func (s *Supervisor) fetch(ctx context.Context) ([]model.InboundResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	if err := s.source.Connect(ctx); err != nil {
		return nil, asTransport("connect", err)
	}
	msgs, err := s.source.FetchUnread(ctx, s.cfg.SubjectFilter)
	if err != nil {
		_ = s.source.Disconnect()
		return nil, asTransport("fetch", err)
	}
	return msgs, nil
}

// process handles one reply. It never panics and never returns an error;
// the outcome is recorded in summary and in the returned entry.
func (s *Supervisor) process(ctx context.Context, msg model.InboundResponse, summary *model.ProcessingSummary, log *zap.Logger) (entry model.ProcessedEmail) {
	entry = model.ProcessedEmail{
		Timestamp: s.clock.Now(),
		MessageID: msg.MessageID,
		Sender:    msg.Sender,
		Subject:   msg.Subject,
	}
	log = log.With(
		zap.String("message_id", msg.MessageID),
		zap.String("sender", msg.Sender),
		zap.String("subject", msg.Subject),
	)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while processing reply: %v", r)
			s.fail(ctx, &entry, summary, err, log)
		}
	}()

	d, err := s.correlator.Correlate(ctx, msg)
	if err != nil {
		var ce *model.CorrelationError
		if errors.As(err, &ce) {
			entry.InvoiceID = ce.InvoiceID
		}
		s.fail(ctx, &entry, summary, err, log)
		return entry
	}
	entry.InvoiceID = d.InvoiceID
	entry.Confidence = d.Classification.Confidence

	out, err := s.router.Apply(ctx, d)
	if err != nil {
		s.fail(ctx, &entry, summary, err, log)
		return entry
	}
	entry.Status = out.Status
	if out.Skipped {
		// nothing changed, so it is not a transition
		summary.Skipped++
		metrics.IncrementResponseProcessed("skipped")
	} else {
		summary.Count(out.Status)
		metrics.IncrementResponseProcessed(string(out.Status))
	}

	if err := s.markConsumed(ctx, msg.MessageID); err != nil {
		// the transition stands; a re-fetched duplicate is harmless
		entry.Error = err.Error()
		summary.Errors++
		metrics.IncrementResponseError(model.ErrorKind(err))
		log.Error("Transition applied but reply could not be marked consumed",
			zap.String("invoice_id", d.InvoiceID),
			zap.Error(err),
		)
		return entry
	}
	entry.Consumed = true

	log.Info("Approval reply processed",
		zap.String("invoice_id", d.InvoiceID),
		zap.String("status", string(out.Status)),
		zap.Bool("skipped", out.Skipped),
	)
	return entry
}

func (s *Supervisor) fail(ctx context.Context, entry *model.ProcessedEmail, summary *model.ProcessingSummary, err error, log *zap.Logger) {
	kind := model.ErrorKind(err)
	entry.Error = err.Error()
	summary.Errors++
	metrics.IncrementResponseError(kind)
	metrics.IncrementResponseProcessed("error")

	log.Error("Failed to process approval reply",
		zap.String("invoice_id", entry.InvoiceID),
		zap.String("error_kind", kind),
		zap.Error(err),
	)

	if !s.cfg.Unmatched.ShouldConsume(err) {
		return
	}
	if err := s.markConsumed(ctx, entry.MessageID); err != nil {
		log.Warn("Could not mark unmatched reply consumed", zap.Error(err))
		return
	}
	entry.Consumed = true
}

func (s *Supervisor) markConsumed(ctx context.Context, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	if err := s.source.MarkConsumed(ctx, messageID); err != nil {
		return asTransport("mark consumed", err)
	}
	return nil
}

// Purge removes decided invoices older than the retention window.
func (s *Supervisor) Purge(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	n, err := s.ledger.Purge(ctx, cutoff)
	if err != nil {
		return n, err
	}
	metrics.AddLedgerPurged(n)
	s.logger.Info("Ledger retention sweep finished",
		zap.Int("purged", n),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}

func (s *Supervisor) maybePurge(ctx context.Context) {
	if s.cfg.PurgeInterval <= 0 {
		return
	}
	now := s.clock.Now()
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < s.cfg.PurgeInterval {
		return
	}
	s.lastPurge = now
	if _, err := s.Purge(ctx); err != nil {
		s.logger.Error("Ledger retention sweep failed", zap.Error(err))
	}
}

// LastSummary returns the most recent completed cycle, or nil.
func (s *Supervisor) LastSummary() *model.ProcessingSummary {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

func (s *Supervisor) setLast(summary *model.ProcessingSummary) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	s.last = summary
}

func asTransport(op string, err error) error {
	var te *model.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &model.TransportError{Op: op, Err: err}
}
