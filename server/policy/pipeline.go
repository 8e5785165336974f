package policy

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
)

// DailyCounters reads the per-day receive counters.
type DailyCounters interface {
	Daily(ctx context.Context, kind, subject string) (int64, error)
}

type Pipeline struct {
	counters DailyCounters
	newToken func() string
}

// NewPipeline returns a pipeline. counters may be nil, which disables the
// daily receive limits.
func NewPipeline(counters DailyCounters) *Pipeline {
	return &Pipeline{counters: counters, newToken: uuid.NewString}
}

var (
	errSize  = &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 2, 3}, Message: "Message exceeds recipient's size limit"}
	errQuota = &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "Mailbox full, try again later"}
	errRate  = &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 1}, Message: "Recipient is receiving mail at too high a rate, try again later"}
)

func rejection(mark Mark) *smtp.SMTPError {
	return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: fmt.Sprintf("Message rejected (%s)", mark)}
}

// Evaluate runs the decision chain for one recipient. It has no side
// effects besides collaborator calls, which v memoizes.
func (p *Pipeline) Evaluate(ctx context.Context, v *Verdicts, env *Envelope, msg *Message, rcpt *db.InboundPreference) Decision {
	d := p.evaluate(ctx, v, env, msg, rcpt)
	metrics.RecipientOutcomes.WithLabelValues(string(d.Outcome)).Inc()
	if d.Mark != MarkNone {
		metrics.PolicyMarks.WithLabelValues(string(d.Check), string(d.Mark)).Inc()
	}
	return d
}

func (p *Pipeline) evaluate(ctx context.Context, v *Verdicts, env *Envelope, msg *Message, rcpt *db.InboundPreference) Decision {
	// 1. Bounce suppression.
	if env.NullSender() && rcpt.BounceOptOut {
		return Decision{Outcome: OutcomeDiscard}
	}

	// 2. Size and daily receive limits.
	size := msg.Size()
	if rcpt.SizeLimit > 0 && size > rcpt.SizeLimit {
		return Decision{Outcome: OutcomeBounce, Reason: errSize}
	}
	if p.overDailyLimit(ctx, env, rcpt) {
		return Decision{Outcome: OutcomeTempFail, Reason: errRate}
	}

	// 3. Quota.
	d := Decision{Outcome: OutcomeStore, Rollout: rcpt.Rollout}
	if !rcpt.Rollout {
		bypass := env.TrustedRelay && env.Administrative
		d.EnforceQuota = !bypass
		if !bypass && rcpt.Quota > 0 && rcpt.Used+size > rcpt.Quota {
			return Decision{Outcome: OutcomeTempFail, Reason: errQuota}
		}
	}

	// 4-8. Classification, first match wins.
	for _, c := range orderedChecks {
		setting := rcpt.Check(c.name)
		if !setting.Enabled {
			continue
		}
		fired, spam := c.fires(ctx, v, rcpt)
		if !fired {
			continue
		}
		d.Mark = c.mark
		d.Check = c.name
		if c.name == db.CheckSpam {
			d.SpamToken = p.newToken()
			d.SpamSignature = spam.Signature
		}
		p.applyAction(&d, c, setting.Action)
		break
	}
	return d
}

func (p *Pipeline) applyAction(d *Decision, c check, action db.Action) {
	switch action {
	case db.ActionMarkRead:
		d.Seen = true
	case db.ActionMark:
	case db.ActionDelete:
		d.Outcome = OutcomeDiscard
	case db.ActionReject:
		if c.canReject {
			d.Outcome = OutcomeReject
			d.Reason = rejection(d.Mark)
			return
		}
		fallthrough
	case db.ActionBounce:
		d.Outcome = OutcomeBounce
		d.Reason = rejection(d.Mark)
	default:
		logger.Warn("Policy: unknown action, marking only", "check", c.name, "action", action)
	}
}

func (p *Pipeline) overDailyLimit(ctx context.Context, env *Envelope, rcpt *db.InboundPreference) bool {
	if p.counters == nil {
		return false
	}
	account := strconv.FormatInt(rcpt.AccountID, 10)
	if rcpt.DailyRecvLimit > 0 {
		n, err := p.counters.Daily(ctx, cache.CounterReceived, account)
		if err != nil {
			logger.Warn("Policy: daily counter unavailable", "account_id", rcpt.AccountID, "error", err)
		} else if n >= rcpt.DailyRecvLimit {
			return true
		}
	}
	if rcpt.DailyRecvSubnetLimit > 0 && env.RemoteIP != nil {
		n, err := p.counters.Daily(ctx, cache.CounterReceivedSubnet, SubnetCounterKey(rcpt.AccountID, env.RemoteIP))
		if err != nil {
			logger.Warn("Policy: subnet counter unavailable", "account_id", rcpt.AccountID, "error", err)
		} else if n >= rcpt.DailyRecvSubnetLimit {
			return true
		}
	}
	return false
}

// SubnetCounterKey names the per-subnet receive counter: /24 for IPv4 and
// /64 for IPv6.
func SubnetCounterKey(accountID int64, ip net.IP) string {
	var subnet *net.IPNet
	if v4 := ip.To4(); v4 != nil {
		subnet = &net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
	} else {
		subnet = &net.IPNet{IP: ip.Mask(net.CIDRMask(64, 128)), Mask: net.CIDRMask(64, 128)}
	}
	return fmt.Sprintf("%d:%s", accountID, subnet.String())
}
