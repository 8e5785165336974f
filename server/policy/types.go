// Package policy decides, per local recipient, whether and how an inbound
// message is accepted.
//
// Evaluate is free of side effects so every recipient of a transaction can
// be judged before anything is stored. Verdicts from scanners and DNS
// lookups are memoized per message.
package policy

import (
	"bufio"
	"bytes"
	"fmt"
	"net"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/db"
)

// Mark is the classification attached to a message.
type Mark string

const (
	MarkNone        Mark = ""
	MarkInfected    Mark = "infected"
	MarkPhishing    Mark = "phishing"
	MarkSpoofed     Mark = "spoofed"
	MarkForged      Mark = "forged"
	MarkBlacklisted Mark = "blacklisted"
	MarkJunk        Mark = "junk"
)

type Outcome string

const (
	OutcomeStore    Outcome = "stored"
	OutcomeDiscard  Outcome = "discarded" // accepted, not stored
	OutcomeBounce   Outcome = "bounced"   // permanent failure for this recipient
	OutcomeTempFail Outcome = "deferred"  // transient failure for this recipient
	OutcomeReject   Outcome = "rejected"  // refuse the whole transaction
)

// Permanent reports whether the outcome is a permanent failure.
func (o Outcome) Permanent() bool {
	return o == OutcomeBounce || o == OutcomeReject
}

// Decision is the pipeline result for one recipient.
type Decision struct {
	Outcome Outcome
	Mark    Mark
	Check   db.CheckName // check that set Mark
	Seen    bool

	// Quota handling for the store: evict old mail, or refuse under the
	// mailbox lock if the message no longer fits.
	Rollout      bool
	EnforceQuota bool

	SpamToken     string
	SpamSignature string

	Reason *smtp.SMTPError
}

// Envelope is what the session knows about the sender side.
type Envelope struct {
	RemoteIP       net.IP
	Helo           string
	Sender         string
	AuthUser       string
	TrustedRelay   bool
	Administrative bool // sender is an administrative address of a trusted domain
}

func (e *Envelope) NullSender() bool {
	return e.Sender == consts.NullSender
}

// Message is a received message with its header parsed.
type Message struct {
	ID        string
	Header    textproto.Header
	Body      []byte
	HeaderLen int
	size      int64
}

// ParseMessage splits raw into header and body.
func ParseMessage(id string, raw []byte) (*Message, error) {
	r := bytes.NewReader(raw)
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	headerLen := len(raw) - r.Len() - br.Buffered()
	return &Message{
		ID:        id,
		Header:    h,
		Body:      raw[headerLen:],
		HeaderLen: headerLen,
		size:      int64(len(raw)),
	}, nil
}

// Size is the size of the message as received.
func (m *Message) Size() int64 {
	return m.size
}

// Bytes renders the current header followed by the body.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(int(m.size) + 512)
	_ = textproto.WriteHeader(&buf, m.Header)
	buf.Write(m.Body)
	return buf.Bytes()
}

// HeaderMap flattens the header for consumers that want a plain map.
func (m *Message) HeaderMap() map[string][]string {
	out := make(map[string][]string)
	fields := m.Header.Fields()
	for fields.Next() {
		out[fields.Key()] = append(out[fields.Key()], fields.Value())
	}
	return out
}
