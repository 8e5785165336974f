package delivery

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/server/policy"
)

// Failure is one recipient that did not get the message.
type Failure struct {
	Recipient string
	Reason    *smtp.SMTPError
}

func (f Failure) status() string {
	if f.Reason == nil {
		return "5.0.0"
	}
	c := f.Reason.EnhancedCode
	if c == smtp.NoEnhancedCode || c == smtp.EnhancedCodeNotSet {
		if f.Reason.Temporary() {
			return "4.0.0"
		}
		return "5.0.0"
	}
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

func (f Failure) diagnostic() string {
	if f.Reason == nil {
		return "smtp; 550 delivery failed"
	}
	return fmt.Sprintf("smtp; %d %s %s", f.Reason.Code, f.status(), f.Reason.Message)
}

// Bounce describes a delivery status notification for one message.
type Bounce struct {
	Hostname    string
	Sender      string // the original envelope sender, receives the report
	RemoteHelo  string
	ArrivalDate time.Time
	Failures    []Failure
	Original    *policy.Message
}

// BuildBounce composes a multipart/report DSN with a human readable part,
// the per-recipient delivery status and the original header.
func BuildBounce(b Bounce, now time.Time) ([]byte, error) {
	if len(b.Failures) == 0 {
		return nil, fmt.Errorf("bounce without failures")
	}

	var h message.Header
	h.Set("From", fmt.Sprintf("Mail Delivery System <%s@%s>", consts.MailerDaemon, b.Hostname))
	h.Set("To", "<"+b.Sender+">")
	h.Set("Subject", "Undelivered Mail Returned to Sender")
	h.Set("Date", now.Format(time.RFC1123Z))
	h.Set("Message-Id", fmt.Sprintf("<%s@%s>", uuid.NewString(), b.Hostname))
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("MIME-Version", "1.0")
	if b.Original != nil {
		if id := b.Original.Header.Get("Message-Id"); id != "" {
			h.Set("References", id)
		}
	}
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create bounce: %w", err)
	}

	if err := writePart(w, "text/plain", map[string]string{"charset": "utf-8"}, humanReport(b)); err != nil {
		return nil, err
	}
	if err := writePart(w, "message/delivery-status", nil, statusReport(b, now)); err != nil {
		return nil, err
	}
	if b.Original != nil {
		var hdr bytes.Buffer
		if err := textproto.WriteHeader(&hdr, b.Original.Header); err != nil {
			return nil, fmt.Errorf("failed to copy original header: %w", err)
		}
		if err := writePart(w, "text/rfc822-headers", nil, hdr.String()); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish bounce: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *message.Writer, contentType string, params map[string]string, body string) error {
	var ph message.Header
	ph.SetContentType(contentType, params)
	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

func humanReport(b Bounce) string {
	var s strings.Builder
	fmt.Fprintf(&s, "This is the mail system at host %s.\r\n\r\n", b.Hostname)
	s.WriteString("Your message could not be delivered to one or more recipients.\r\n\r\n")
	for _, f := range b.Failures {
		msg := "delivery failed"
		if f.Reason != nil {
			msg = f.Reason.Message
		}
		fmt.Fprintf(&s, "<%s>: %s\r\n", f.Recipient, msg)
	}
	return s.String()
}

func statusReport(b Bounce, now time.Time) string {
	var s strings.Builder
	fmt.Fprintf(&s, "Reporting-MTA: dns; %s\r\n", b.Hostname)
	if b.Original != nil {
		fmt.Fprintf(&s, "X-Queue-ID: %s\r\n", b.Original.ID)
	}
	if b.RemoteHelo != "" {
		fmt.Fprintf(&s, "Received-From-MTA: dns; %s\r\n", b.RemoteHelo)
	}
	arrival := b.ArrivalDate
	if arrival.IsZero() {
		arrival = now
	}
	fmt.Fprintf(&s, "Arrival-Date: %s\r\n", arrival.Format(time.RFC1123Z))
	for _, f := range b.Failures {
		s.WriteString("\r\n")
		fmt.Fprintf(&s, "Final-Recipient: rfc822; %s\r\n", f.Recipient)
		s.WriteString("Action: failed\r\n")
		fmt.Fprintf(&s, "Status: %s\r\n", f.status())
		fmt.Fprintf(&s, "Diagnostic-Code: %s\r\n", f.diagnostic())
		fmt.Fprintf(&s, "Last-Attempt-Date: %s\r\n", now.Format(time.RFC1123Z))
	}
	return s.String()
}
