package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/smtpd/consts"
)

// Stamp describes the hop that is adding its trace headers.
type Stamp struct {
	Hostname  string
	Recipient string // single recipient for the "for" clause, if any
	TLS       bool
	Auth      bool
	Now       time.Time
}

// ReceivedHeader renders a Received field value for this hop.
func ReceivedHeader(env *Envelope, queueID string, st Stamp) string {
	proto := "ESMTP"
	if st.TLS {
		proto += "S"
	}
	if st.Auth {
		proto += "A"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "from %s", env.Helo)
	if env.RemoteIP != nil {
		fmt.Fprintf(&b, " ([%s])", env.RemoteIP)
	}
	fmt.Fprintf(&b, " by %s with %s id %s", st.Hostname, proto, queueID)
	if st.Recipient != "" {
		fmt.Fprintf(&b, " for <%s>", st.Recipient)
	}
	fmt.Fprintf(&b, "; %s", st.Now.Format(time.RFC1123Z))
	return b.String()
}

// SynthesizeHeaders adds what an inbound message must carry before it is
// stored: Date, From, To, Subject and Message-Id below the existing fields
// when the sender left them out, then this hop's Received and a fresh
// Return-Path on top.
func SynthesizeHeaders(msg *Message, env *Envelope, st Stamp) {
	h := &msg.Header
	var missing [][2]string
	if !h.Has("Date") {
		missing = append(missing, [2]string{"Date", st.Now.Format(time.RFC1123Z)})
	}
	if !h.Has("From") {
		from := env.Sender
		if env.NullSender() {
			from = consts.MailerDaemon + "@" + st.Hostname
		}
		missing = append(missing, [2]string{"From", from})
	}
	if !h.Has("To") {
		missing = append(missing, [2]string{"To", "undisclosed-recipients:;"})
	}
	if !h.Has("Subject") {
		missing = append(missing, [2]string{"Subject", ""})
	}
	if !h.Has("Message-Id") {
		missing = append(missing, [2]string{"Message-Id", fmt.Sprintf("<%s@%s>", msg.ID, st.Hostname)})
	}
	if len(missing) > 0 {
		*h = appendFields(*h, missing)
	}

	h.Del("Return-Path")
	h.Add("Received", ReceivedHeader(env, msg.ID, st))
	h.Add("Return-Path", "<"+env.Sender+">")
}

// appendFields rebuilds h with kv after its existing fields. Header only
// inserts at the top, so existing fields are re-added in reverse, raw where
// possible to keep their original folding.
func appendFields(h textproto.Header, kv [][2]string) textproto.Header {
	type field struct {
		raw  []byte
		k, v string
	}
	var existing []field
	fields := h.Fields()
	for fields.Next() {
		raw, err := fields.Raw()
		if err != nil {
			raw = nil
		}
		existing = append(existing, field{raw: raw, k: fields.Key(), v: fields.Value()})
	}

	var out textproto.Header
	for i := len(kv) - 1; i >= 0; i-- {
		out.Add(kv[i][0], kv[i][1])
	}
	for i := len(existing) - 1; i >= 0; i-- {
		if f := existing[i]; f.raw != nil {
			out.AddRaw(f.raw)
		} else {
			out.Add(f.k, f.v)
		}
	}
	return out
}

// CountHops returns how many Received fields the message already carries.
func CountHops(msg *Message) int {
	n := 0
	fields := msg.Header.FieldsByKey("Received")
	for fields.Next() {
		n++
	}
	return n
}

// AddForwardingHeaders marks a message that is relayed onwards on behalf of
// a local recipient.
func AddForwardingHeaders(msg *Message, originalRecipient, forwardTo string) {
	msg.Header.Add("X-Forwarded-For", originalRecipient+" "+forwardTo)
	msg.Header.Add("X-Forwarded-To", forwardTo)
}

// WantsAutoReply reports whether an auto-reply may be sent for a decision.
// Marked, undelivered, bounce, list and machine generated mail never gets
// one.
func WantsAutoReply(d Decision, env *Envelope, msg *Message) bool {
	if d.Outcome != OutcomeStore || d.Mark != MarkNone || env.NullSender() {
		return false
	}
	local, _, _ := strings.Cut(env.Sender, "@")
	switch strings.ToLower(local) {
	case "mailer-daemon", "postmaster", "noreply", "no-reply":
		return false
	}
	if v := strings.ToLower(msg.Header.Get("Auto-Submitted")); v != "" && v != "no" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(msg.Header.Get("Precedence"))) {
	case "bulk", "list", "junk":
		return false
	}
	if msg.Header.Has("List-Id") || msg.Header.Has("List-Unsubscribe") {
		return false
	}
	return true
}
