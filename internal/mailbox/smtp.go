package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"
	"go.opentelemetry.io/otel/attribute"

	"invoice-approval/pkg/otel"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// ApprovalRequest is the outgoing email asking an approver to decide.
type ApprovalRequest struct {
	To         string
	InvoiceID  string
	Filename   string
	Summary    string
	Attachment []byte
}

// SMTPSender sends approval requests over authenticated STARTTLS SMTP.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSender{cfg: cfg}
}

// BuildMessage renders req. Split out so the message can be checked
// without a server.
func (s *SMTPSender) BuildMessage(req ApprovalRequest) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := m.To(req.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	m.Subject(ApprovalSubject(req.Filename, req.InvoiceID))
	m.SetBodyString(gomail.TypeTextPlain, approvalBody(req.Summary))
	if len(req.Attachment) > 0 {
		if err := m.AttachReader(req.Filename, bytes.NewReader(req.Attachment)); err != nil {
			return nil, fmt.Errorf("attach %s: %w", req.Filename, err)
		}
	}
	return m, nil
}

func (s *SMTPSender) Send(ctx context.Context, req ApprovalRequest) (err error) {
	ctx, span := otel.Span(ctx, "smtp.send",
		attribute.String("invoice.id", req.InvoiceID),
	)
	defer func() { otel.End(span, err) }()

	m, err := s.BuildMessage(req)
	if err != nil {
		return err
	}

	c, err := gomail.NewClient(s.cfg.Host,
		gomail.WithPort(s.cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.cfg.Username),
		gomail.WithPassword(s.cfg.Password),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func approvalBody(summary string) string {
	var b strings.Builder
	b.WriteString("Please review the following invoice details:\n\n")
	b.WriteString(strings.TrimSpace(summary))
	b.WriteString("\n\nThe original document is attached. Reply to this email to approve, reject or request changes.\n")
	return b.String()
}
