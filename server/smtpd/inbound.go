package smtpd

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/server/delivery"
	"github.com/migadu/smtpd/server/mailstore"
	"github.com/migadu/smtpd/server/policy"
)

var (
	errMailboxFull = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 2, 2},
		Message:      "Mailbox full, try again later",
	}
	errMailboxBusy = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Mailbox busy, try again later",
	}
	errAllDeferred = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Recipients temporarily unavailable, try again later",
	}
	errAllFailed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "Delivery failed for all recipients",
	}
)

// deliverInbound runs in two phases. Every recipient is judged first, so a
// reject from any of them refuses the transaction before anything is
// stored. Then each recipient's decision is carried out and the results
// are folded into one reply.
func (s *Session) deliverInbound(env *policy.Envelope, msg *policy.Message, raw []byte) error {
	b := s.backend
	verdicts := policy.NewVerdicts(b.checkers, env, raw)

	decisions := make([]policy.Decision, len(s.inbound))
	for i, rcpt := range s.inbound {
		decisions[i] = b.pipeline.Evaluate(s.ctx, verdicts, env, msg, rcpt.pref)
		if decisions[i].Outcome == policy.OutcomeReject {
			s.Log("transaction rejected queue_id=%s check=%s recipient=%s", msg.ID, decisions[i].Check, rcpt.addresses[0])
			return decisions[i].Reason
		}
	}

	stamp := policy.Stamp{
		Hostname: b.opts.Hostname,
		TLS:      s.m.tls,
		Now:      time.Now(),
	}
	if len(s.inbound) == 1 && len(s.inbound[0].addresses) == 1 {
		stamp.Recipient = s.inbound[0].addresses[0]
	}
	policy.SynthesizeHeaders(msg, env, stamp)
	final := msg.Bytes()

	var (
		delivered int
		failures  []delivery.Failure
	)
	for i, rcpt := range s.inbound {
		reason := s.deliverTo(env, msg, final, rcpt, decisions[i])
		if reason == nil {
			delivered++
			continue
		}
		for _, addr := range rcpt.addresses {
			failures = append(failures, delivery.Failure{Recipient: addr, Reason: reason})
		}
	}
	return s.aggregate(env, msg, delivered, failures)
}

// aggregate folds per-recipient results into the reply. When something
// was delivered the client gets 250 and the failures go back to the
// sender as a bounce.
func (s *Session) aggregate(env *policy.Envelope, msg *policy.Message, delivered int, failures []delivery.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	if delivered > 0 {
		if s.backend.notifier != nil {
			err := s.backend.notifier.Bounce(delivery.Bounce{
				Sender:      env.Sender,
				RemoteHelo:  env.Helo,
				ArrivalDate: time.Now(),
				Failures:    failures,
				Original:    msg,
			})
			if err != nil {
				s.WarnLog("failed to queue bounce queue_id=%s: %v", msg.ID, err)
			}
		}
		s.Log("partial delivery queue_id=%s delivered=%d failed=%d", msg.ID, delivered, len(failures))
		return nil
	}

	if len(failures) == 1 {
		return failures[0].Reason
	}
	for _, f := range failures {
		if f.Reason.Temporary() {
			return errAllDeferred
		}
	}
	return errAllFailed
}

// deliverTo carries out one recipient's decision. A nil result means the
// recipient is done with, stored or not.
func (s *Session) deliverTo(env *policy.Envelope, msg *policy.Message, raw []byte, rcpt *recipient, d policy.Decision) *smtp.SMTPError {
	switch d.Outcome {
	case policy.OutcomeDiscard:
		s.DebugLog("discarded for %s queue_id=%s", rcpt.addresses[0], msg.ID)
		return nil
	case policy.OutcomeBounce, policy.OutcomeTempFail:
		s.Log("recipient %s %s queue_id=%s: %s", rcpt.addresses[0], d.Outcome, msg.ID, d.Reason.Message)
		return d.Reason
	}

	b := s.backend
	pref := rcpt.pref

	var filter policy.FilterResult
	if b.filter != nil {
		filter = b.filter.Apply(s.ctx, pref, env, msg)
	}
	if filter.Vacation != nil && b.notifier != nil && policy.WantsAutoReply(d, env, msg) {
		if err := b.notifier.Vacation(pref.Address, env.Sender, filter.Vacation, msg); err != nil {
			s.WarnLog("failed to queue vacation reply for %s: %v", pref.Address, err)
		}
	}
	if filter.Discard {
		s.Log("discarded by sieve for %s queue_id=%s", pref.Address, msg.ID)
		return nil
	}

	forwardTo, kind := pref.ForwardTo, delivery.KindForward
	if filter.Redirect != "" {
		forwardTo, kind = filter.Redirect, delivery.KindRedirect
	}
	if forwardTo != "" && b.notifier != nil {
		if err := s.forward(kind, env, msg, pref.Address, forwardTo); err != nil {
			s.WarnLog("failed to queue %s to %s: %v", kind, forwardTo, err)
			return errLocal
		}
		if !(kind == delivery.KindRedirect && filter.KeepCopy) {
			return nil
		}
	}

	folderID := pref.FolderID
	if filter.Folder != "" {
		id, err := b.recipients.FolderID(s.ctx, pref.AccountID, filter.Folder)
		if err != nil {
			s.WarnLog("fileinto %q failed, using default folder: %v", filter.Folder, err)
		} else {
			folderID = id
		}
	}

	res, err := b.store.Accept(s.ctx, mailstore.AcceptRequest{
		AccountID:     pref.AccountID,
		FolderID:      folderID,
		Raw:           raw,
		PublicKey:     pref.PublicKey,
		Mark:          string(d.Mark),
		Seen:          d.Seen || filter.Seen,
		MessageID:     msg.Header.Get("Message-Id"),
		SpamToken:     d.SpamToken,
		SpamSignature: d.SpamSignature,
		Rollout:       d.Rollout,
		EnforceQuota:  d.EnforceQuota,
	})
	if err != nil {
		s.WarnLog("store failed for %s queue_id=%s: %v", pref.Address, msg.ID, err)
		return s.storeError(err)
	}
	s.Log("stored for %s queue_id=%s message_id=%d mark=%s evicted=%d", pref.Address, msg.ID, res.ID, d.Mark, res.Evicted)

	if folderID != pref.FolderID && filter.KeepCopy {
		if _, err := b.store.Copy(s.ctx, pref.AccountID, res.ID, pref.FolderID); err != nil {
			s.WarnLog("failed to keep copy in default folder for %s: %v", pref.Address, err)
		}
	}
	s.countReceived(pref.AccountID)

	if pref.AutoReply != nil && b.notifier != nil && policy.WantsAutoReply(d, env, msg) {
		err := b.notifier.AutoReply(s.ctx, pref.AccountID, pref.Address, env.Sender, pref.AutoReply.Subject, pref.AutoReply.Body, msg)
		if err != nil {
			s.WarnLog("failed to queue auto-reply for %s: %v", pref.Address, err)
		}
	}
	return nil
}

// forward queues a copy of msg with forwarding headers. The shared
// message is left untouched for the other recipients.
func (s *Session) forward(kind string, env *policy.Envelope, msg *policy.Message, original, to string) error {
	fwd := *msg
	fwd.Header = msg.Header.Copy()
	policy.AddForwardingHeaders(&fwd, original, to)
	return s.backend.notifier.Forward(kind, env.Sender, to, fwd.Bytes())
}

func (s *Session) countReceived(accountID int64) {
	c := s.backend.counters
	if c == nil {
		return
	}
	if _, err := c.AddDaily(s.ctx, cache.CounterReceived, strconv.FormatInt(accountID, 10), 1); err != nil {
		s.WarnLog("failed to count received message: %v", err)
	}
	if s.remoteIP != nil {
		if _, err := c.AddDaily(s.ctx, cache.CounterReceivedSubnet, policy.SubnetCounterKey(accountID, s.remoteIP), 1); err != nil {
			s.WarnLog("failed to count received message for subnet: %v", err)
		}
	}
}

func (s *Session) storeError(err error) *smtp.SMTPError {
	switch {
	case errors.Is(err, consts.ErrQuotaExceeded), errors.Is(err, consts.ErrRolloutIncomplete):
		return errMailboxFull
	case errors.Is(err, consts.ErrMailboxLocked):
		return errMailboxBusy
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		return errShutdown
	}
	return errLocal
}
