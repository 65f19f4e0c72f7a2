package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"invoice-approval/internal/model"
	"invoice-approval/pkg/otel"
)

// maxBodyBytes caps how much of a reply body is read and handed on.
const maxBodyBytes = 64 << 10

type IMAPConfig struct {
	Addr     string // host:port, implicit TLS
	Username string
	Password string
	Mailbox  string
	// InsecureSkipVerify is for local test servers only.
	InsecureSkipVerify bool
}

// IMAPSource reads approver replies. It is used by one goroutine at a time.
type IMAPSource struct {
	cfg    IMAPConfig
	logger *zap.Logger
	c      *client.Client
}

func NewIMAPSource(cfg IMAPConfig, logger *zap.Logger) *IMAPSource {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPSource{cfg: cfg, logger: logger}
}

func (s *IMAPSource) Connect(ctx context.Context) (err error) {
	_, span := otel.Span(ctx, "imap.connect", attribute.String("imap.addr", s.cfg.Addr))
	defer func() { otel.End(span, err) }()

	dialer := &net.Dialer{Timeout: timeoutFrom(ctx, 30*time.Second)}
	host, _, _ := net.SplitHostPort(s.cfg.Addr)
	tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: s.cfg.InsecureSkipVerify}

	c, err := client.DialWithDialerTLS(dialer, s.cfg.Addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	c.Timeout = timeoutFrom(ctx, 30*time.Second)

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		_ = c.Logout()
		return fmt.Errorf("login: %w", err)
	}
	if _, err := c.Select(s.cfg.Mailbox, false); err != nil {
		_ = c.Logout()
		return fmt.Errorf("select %s: %w", s.cfg.Mailbox, err)
	}

	s.c = c
	s.logger.Debug("Connected to mailbox", zap.String("addr", s.cfg.Addr), zap.String("mailbox", s.cfg.Mailbox))
	return nil
}

// FetchUnread returns unseen messages whose subject contains filter, in
// UID order. Bodies are fetched with BODY.PEEK so nothing is marked seen.
func (s *IMAPSource) FetchUnread(ctx context.Context, filter string) (out []model.InboundResponse, err error) {
	if s.c == nil {
		return nil, errors.New("imap: not connected")
	}
	_, span := otel.Span(ctx, "imap.fetch_unread")
	defer func() { otel.End(span, err) }()
	s.c.Timeout = timeoutFrom(ctx, 30*time.Second)

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Header.Add("Subject", filter)

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, messages)
	}()

	for msg := range messages {
		resp, perr := parseMessage(msg, section)
		if perr != nil {
			// still returned so the correlator can count and log it
			s.logger.Warn("Could not parse reply body",
				zap.Uint32("uid", msg.Uid),
				zap.Error(perr),
			)
		}
		out = append(out, resp)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	sortByUID(out)
	return out, nil
}

func (s *IMAPSource) MarkConsumed(ctx context.Context, messageID string) error {
	if s.c == nil {
		return errors.New("imap: not connected")
	}
	uid, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	s.c.Timeout = timeoutFrom(ctx, 30*time.Second)

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("store \\Seen on %s: %w", messageID, err)
	}
	return nil
}

func (s *IMAPSource) Disconnect() error {
	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	return err
}

func parseMessage(msg *imap.Message, section *imap.BodySectionName) (model.InboundResponse, error) {
	resp := model.InboundResponse{MessageID: strconv.FormatUint(uint64(msg.Uid), 10)}
	if env := msg.Envelope; env != nil {
		resp.Subject = env.Subject
		resp.ReceivedAt = env.Date
		if len(env.From) > 0 {
			resp.Sender = env.From[0].Address()
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return resp, errors.New("server returned no body")
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return resp, err
	}
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		resp.Subject = subject
	}
	if resp.Sender == "" {
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			resp.Sender = from[0].Address
		}
	}

	body, err := textBody(mr)
	resp.Body = body
	return resp, err
}

// textBody returns the first text/plain part, or the first text/html part
// when no plain part exists. Attachments are skipped: invoice content is
// always taken from the ledger, never from a reply.
func textBody(mr *mail.Reader) (string, error) {
	var html string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return html, err
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := mime.ParseMediaType(h.Get("Content-Type"))
		if ct == "" {
			ct = "text/plain"
		}
		b, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
		if err != nil {
			return "", err
		}
		switch ct {
		case "text/plain":
			return strings.TrimSpace(string(b)), nil
		case "text/html":
			if html == "" {
				html = strings.TrimSpace(string(b))
			}
		}
	}
	return html, nil
}

func sortByUID(msgs []model.InboundResponse) {
	uid := func(m model.InboundResponse) uint64 {
		n, _ := strconv.ParseUint(m.MessageID, 10, 32)
		return n
	}
	sort.SliceStable(msgs, func(i, j int) bool { return uid(msgs[i]) < uid(msgs[j]) })
}

func timeoutFrom(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}
