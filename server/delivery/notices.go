package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/helpers"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/server/policy"
	"github.com/migadu/smtpd/server/sieveengine"
)

// Notice kinds, also used as queue item types.
const (
	KindBounce    = "bounce"
	KindAutoReply = "autoreply"
	KindVacation  = "vacation"
	KindForward   = "forward"
	KindRedirect  = "redirect"
)

// autoReplyPeriod is how long one sender gets no second auto-reply.
const autoReplyPeriod = 24 * time.Hour

// NoticeQueue stores generated mail until the relay accepts it.
type NoticeQueue interface {
	Enqueue(kind, from string, to []string, raw []byte) (string, error)
}

// OnceMarker records that something happened within a period.
type OnceMarker interface {
	Once(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Notifier composes bounces, auto-replies and forwards and queues them
// for the relay.
type Notifier struct {
	queue    NoticeQueue
	marks    OnceMarker
	hostname string
	prefix   string
	now      func() time.Time
}

func NewNotifier(queue NoticeQueue, marks OnceMarker, hostname, subjectPrefix string) *Notifier {
	return &Notifier{
		queue:    queue,
		marks:    marks,
		hostname: hostname,
		prefix:   subjectPrefix,
		now:      time.Now,
	}
}

func (n *Notifier) enqueue(kind, from string, to []string, raw []byte) error {
	id, err := n.queue.Enqueue(kind, from, to, raw)
	if err != nil {
		return fmt.Errorf("failed to queue %s: %w", kind, err)
	}
	metrics.NoticesQueued.WithLabelValues(kind).Inc()
	logger.Debug("Notices: queued", "kind", kind, "id", id, "to", to)
	return nil
}

// Bounce reports failed recipients to the envelope sender. Null senders
// never get one.
func (n *Notifier) Bounce(b Bounce) error {
	if b.Sender == consts.NullSender || len(b.Failures) == 0 {
		return nil
	}
	if b.Hostname == "" {
		b.Hostname = n.hostname
	}
	raw, err := BuildBounce(b, n.now())
	if err != nil {
		return err
	}
	return n.enqueue(KindBounce, consts.NullSender, []string{b.Sender}, raw)
}

// Forward relays msg on behalf of a local recipient, keeping the
// original envelope sender.
func (n *Notifier) Forward(kind, sender, to string, raw []byte) error {
	return n.enqueue(kind, sender, []string{to}, raw)
}

// AutoReply answers sender once per day on behalf of recipient.
func (n *Notifier) AutoReply(ctx context.Context, accountID int64, recipient, sender, subject, body string, orig *policy.Message) error {
	ok, err := n.marks.Once(ctx, fmt.Sprintf("autoreply:%d:%s", accountID, sender), autoReplyPeriod)
	if err != nil {
		return fmt.Errorf("failed to check auto-reply marker: %w", err)
	}
	if !ok {
		logger.Debug("Notices: auto-reply already sent today", "account_id", accountID, "sender", sender)
		return nil
	}
	if subject == "" {
		subject = helpers.ReplySubject(n.prefix, orig.Header.Get("Subject"))
	}
	raw, err := n.buildReply(recipient, sender, subject, helpers.PlainText(body), orig)
	if err != nil {
		return err
	}
	return n.enqueue(KindAutoReply, consts.NullSender, []string{sender}, raw)
}

// Vacation sends a reply requested by the recipient's sieve script. The
// script runtime has already applied its own per-sender period.
func (n *Notifier) Vacation(recipient, sender string, v *sieveengine.Vacation, orig *policy.Message) error {
	from := v.From
	if from == "" {
		from = recipient
	}
	subject := v.Subject
	if subject == "" {
		subject = helpers.ReplySubject(n.prefix, orig.Header.Get("Subject"))
	}
	to := v.To
	if to == "" {
		to = sender
	}
	body := v.Body
	if v.IsMime {
		body = mimeText(body)
	}
	raw, err := n.buildReply(from, to, subject, body, orig)
	if err != nil {
		return err
	}
	return n.enqueue(KindVacation, consts.NullSender, []string{to}, raw)
}

// mimeText reduces a :mime vacation reason to the text of its first
// text/plain part, falling back to the first text/html part.
func mimeText(raw string) string {
	e, err := message.Read(strings.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return helpers.PlainText(raw)
	}
	var html string
	err = e.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			return err
		}
		t, _, _ := part.Header.ContentType()
		if t != "text/plain" && t != "text/html" {
			return nil
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}
		if t == "text/plain" {
			return errFoundText{string(b)}
		}
		if html == "" {
			html = string(b)
		}
		return nil
	})
	var found errFoundText
	if errors.As(err, &found) {
		return found.text
	}
	return helpers.PlainText(html)
}

type errFoundText struct{ text string }

func (errFoundText) Error() string { return "text part found" }

func (n *Notifier) buildReply(from, to, subject, body string, orig *policy.Message) ([]byte, error) {
	var h message.Header
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Subject", subject)
	h.Set("Date", n.now().Format(time.RFC1123Z))
	h.Set("Message-Id", fmt.Sprintf("<%s.autoreply@%s>", uuid.NewString(), n.hostname))
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")
	h.Set("MIME-Version", "1.0")
	if id := orig.Header.Get("Message-Id"); id != "" {
		h.Set("In-Reply-To", id)
		h.Set("References", id)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VacationOracle limits sieve vacation replies with shared markers so a
// sender is answered once per period across all processes.
type VacationOracle struct {
	marks OnceMarker
}

func NewVacationOracle(marks OnceMarker) *VacationOracle {
	return &VacationOracle{marks: marks}
}

func (v *VacationOracle) AllowVacation(ctx context.Context, accountID int64, sender, handle string, period time.Duration) (bool, error) {
	if period <= 0 {
		period = 7 * 24 * time.Hour
	}
	return v.marks.Once(ctx, fmt.Sprintf("vacation:%d:%s:%s", accountID, handle, sender), period)
}
