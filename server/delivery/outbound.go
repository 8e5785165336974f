package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/server/policy"
)

var (
	errSenderNotAllowed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Sender address not allowed for this user",
	}
	errMissingFrom = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message has no From header",
	}
	errTLSRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Must issue a STARTTLS command first",
	}
	errOutboundTooBig = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Message exceeds your sending size limit",
	}
	errSendLimit = &smtp.SMTPError{
		Code:         450,
		EnhancedCode: smtp.EnhancedCode{4, 2, 1},
		Message:      "Daily sending limit reached, try again tomorrow",
	}
	errOutboundMalware = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Message contains malware and was not sent",
	}
	errOutboundUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary local error, try again later",
	}
	errRelayDeferred = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 1},
		Message:      "Next hop unavailable, try again later",
	}
)

// SenderStore answers which addresses an account may send as.
type SenderStore interface {
	OutboundPreference(ctx context.Context, accountID int64) (*db.OutboundPreference, error)
	IsAuthorizedSender(ctx context.Context, accountID int64, address string) (bool, error)
}

// SendCounters tracks how much each account sent today.
type SendCounters interface {
	Daily(ctx context.Context, kind, subject string) (int64, error)
	AddDaily(ctx context.Context, kind, subject string, n int64) (int64, error)
}

// Outbound relays mail submitted by authenticated users.
type Outbound struct {
	senders      SenderStore
	counters     SendCounters
	scanner      policy.Scanner
	relay        Relay
	signer       *Signer
	hostname     string
	defaultLimit int64
	now          func() time.Time
}

// OutboundRequest is one submitted message.
type OutboundRequest struct {
	Pref       *db.OutboundPreference
	Envelope   *policy.Envelope
	Recipients []string
	Message    *policy.Message
	TLS        bool
}

// NewOutbound wires the relay path. scanner and signer may be nil.
// defaultLimit applies to accounts without their own daily send limit.
func NewOutbound(senders SenderStore, counters SendCounters, scanner policy.Scanner, relay Relay, signer *Signer, hostname string, defaultLimit int64) *Outbound {
	return &Outbound{
		senders:      senders,
		counters:     counters,
		scanner:      scanner,
		relay:        relay,
		signer:       signer,
		hostname:     hostname,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// Preference loads the sending limits of an authenticated account.
func (o *Outbound) Preference(ctx context.Context, accountID int64) (*db.OutboundPreference, error) {
	pref, err := o.senders.OutboundPreference(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if pref.DailySendLimit <= 0 {
		pref.DailySendLimit = o.defaultLimit
	}
	return pref, nil
}

// Authorize checks that accountID may use addr as a sender.
func (o *Outbound) Authorize(ctx context.Context, accountID int64, addr string) error {
	ok, err := o.senders.IsAuthorizedSender(ctx, accountID, addr)
	if err != nil {
		logger.Error("Outbound: sender lookup failed", "account_id", accountID, "address", addr, "error", err)
		return errOutboundUnavailable
	}
	if !ok {
		logger.Info("Outbound: sender not allowed", "account_id", accountID, "address", addr)
		return errSenderNotAllowed
	}
	return nil
}

// CheckLimits applies the per-account transport and volume limits. size
// may be zero when it is not known yet.
func (o *Outbound) CheckLimits(ctx context.Context, pref *db.OutboundPreference, size int64, recipients int, tls bool) error {
	if pref.TLSRequired && !tls {
		return errTLSRequired
	}
	if pref.SizeLimit > 0 && size > pref.SizeLimit {
		return errOutboundTooBig
	}
	if pref.DailySendLimit <= 0 || o.counters == nil {
		return nil
	}
	sent, err := o.counters.Daily(ctx, cache.CounterSent, fmt.Sprint(pref.AccountID))
	if err != nil {
		// A counter outage does not stop submission.
		logger.Warn("Outbound: send counter unavailable", "account_id", pref.AccountID, "error", err)
		return nil
	}
	if sent+int64(recipients) > pref.DailySendLimit {
		logger.Info("Outbound: daily send limit reached", "account_id", pref.AccountID, "sent", sent, "limit", pref.DailySendLimit)
		return errSendLimit
	}
	return nil
}

// Send authorizes every From address, re-checks limits, scans, stamps,
// signs and relays the message. Nothing is relayed unless every step
// passes.
func (o *Outbound) Send(ctx context.Context, req OutboundRequest) error {
	msg := req.Message
	accountID := req.Pref.AccountID

	mh := mail.Header{Header: message.Header{Header: msg.Header}}
	from, err := mh.AddressList("From")
	if err != nil || len(from) == 0 {
		return errMissingFrom
	}
	for _, addr := range from {
		if err := o.Authorize(ctx, accountID, addr.Address); err != nil {
			return err
		}
	}

	if err := o.CheckLimits(ctx, req.Pref, msg.Size(), len(req.Recipients), req.TLS); err != nil {
		return err
	}

	if o.scanner != nil {
		res, err := o.scanner.Scan(ctx, msg.Bytes())
		if err != nil {
			logger.Error("Outbound: scan failed", "account_id", accountID, "error", err)
			return errOutboundUnavailable
		}
		if res != policy.ScanClean {
			logger.Warn("Outbound: refusing infected message", "account_id", accountID, "queue_id", msg.ID)
			metrics.OutboundRelays.WithLabelValues("malware").Inc()
			return errOutboundMalware
		}
	}

	msg.Header.Add("Received", policy.ReceivedHeader(req.Envelope, msg.ID, policy.Stamp{
		Hostname: o.hostname,
		TLS:      req.TLS,
		Auth:     true,
		Now:      o.now(),
	}))

	raw := msg.Bytes()
	if o.signer != nil {
		signed, err := o.signer.Sign(raw)
		if err != nil {
			logger.Error("Outbound: signing failed", "account_id", accountID, "error", err)
			return errOutboundUnavailable
		}
		raw = signed
	}

	if err := o.relay.Send(ctx, req.Envelope.Sender, req.Recipients, raw); err != nil {
		logger.Warn("Outbound: relay failed", "account_id", accountID, "queue_id", msg.ID, "error", err)
		return relayResponse(err)
	}

	metrics.MessageSizeBytes.WithLabelValues("outbound").Observe(float64(len(raw)))
	if o.counters != nil {
		if _, err := o.counters.AddDaily(ctx, cache.CounterSent, fmt.Sprint(accountID), int64(len(req.Recipients))); err != nil {
			logger.Warn("Outbound: failed to count sent message", "account_id", accountID, "error", err)
		}
	}
	logger.Info("Outbound: relayed", "account_id", accountID, "queue_id", msg.ID,
		"from", req.Envelope.Sender, "recipients", strings.Join(req.Recipients, ","))
	return nil
}

// relayResponse maps a next hop failure to the reply for the client. A
// permanent refusal is passed through, everything else is deferred.
func relayResponse(err error) *smtp.SMTPError {
	if !IsPermanentError(err) {
		return errRelayDeferred
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr
	}
	return &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 4, 0},
		Message:      "Next hop refused the message",
	}
}
