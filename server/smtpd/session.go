package smtpd

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/server"
	"github.com/migadu/smtpd/server/delivery"
	"github.com/migadu/smtpd/server/idgen"
	"github.com/migadu/smtpd/server/policy"
)

var (
	errInvalidSender = &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 1, 7},
		Message:      "Invalid sender",
	}
	errNullSubmission = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Null sender not allowed for submission",
	}
	errInvalidRecipient = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Bad recipient address syntax",
	}
	errNoSuchUser = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
	errTooManyRecipients = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 5, 3},
		Message:      "Too many recipients",
	}
	errTooManyHops = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 4, 6},
		Message:      "Too many hops, possible mail loop",
	}
	errMalformed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message header",
	}
	errLocal = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary local error, try again later",
	}
	errShutdown = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 2},
		Message:      "Service shutting down, try again later",
	}
)

// recipient is one local account of an inbound transaction. Several RCPT
// addresses of the same account share one record, so the account gets
// one copy.
type recipient struct {
	addresses []string
	pref      *db.InboundPreference
}

// Session is one greeted SMTP dialogue. go-smtp calls it from the
// connection goroutine only.
type Session struct {
	server.Session
	backend *Backend
	conn    *smtp.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	m       machine

	remoteIP    net.IP
	trusted     bool
	authCounted bool

	sender       string
	declaredSize int64
	rcptCount    int
	inbound      []*recipient
	outbound     []string
	outPref      *db.OutboundPreference
}

// observe records a command outcome. Call it deferred with a pointer to
// the handler's error.
func observe(cmd string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(cmd, status).Inc()
	metrics.CommandDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) (err error) {
	defer observe("MAIL", time.Now(), &err)

	if err := s.m.permit(CmdMail); err != nil {
		return err
	}
	var size int64
	if opts != nil {
		size = opts.Size
	}
	if max := s.backend.opts.MaxMessageSize; max > 0 && size > max {
		s.Log("declared size %d over limit %d", size, max)
		return errMessageTooBig
	}

	sender := consts.NullSender
	if from != "" {
		addr, err := server.NewAddress(from)
		if err != nil {
			s.Log("invalid sender: %v", err)
			return errInvalidSender
		}
		sender = addr.FullAddress()
	}

	var pref *db.OutboundPreference
	if s.m.authed {
		if sender == consts.NullSender {
			return errNullSubmission
		}
		out := s.backend.outbound
		var err error
		if pref, err = out.Preference(s.ctx, s.AccountID); err != nil {
			s.WarnLog("failed to load outbound preference: %v", err)
			return errLocal
		}
		if err := out.Authorize(s.ctx, s.AccountID, sender); err != nil {
			return err
		}
		if err := out.CheckLimits(s.ctx, pref, size, 0, s.m.tls); err != nil {
			return err
		}
	}

	s.resetTransaction()
	s.outPref = pref
	s.sender = sender
	s.declaredSize = size
	s.m.advance(CmdMail)
	s.DebugLog("mail from=<%s> size=%d", sender, size)
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) (err error) {
	defer observe("RCPT", time.Now(), &err)

	if err := s.m.permit(CmdRcpt); err != nil {
		return err
	}
	if max := s.backend.opts.MaxRecipients; max > 0 && s.rcptCount >= max {
		return errTooManyRecipients
	}
	addr, err := server.NewAddress(to)
	if err != nil {
		s.Log("invalid recipient: %v", err)
		return errInvalidRecipient
	}

	if s.m.authed {
		s.outbound = append(s.outbound, addr.FullAddress())
	} else {
		pref, err := s.backend.recipients.LookupRecipient(s.ctx, addr.BaseAddress())
		if err != nil {
			if errors.Is(err, consts.ErrUserNotFound) {
				s.Log("unknown recipient %s", addr.FullAddress())
				return errNoSuchUser
			}
			s.WarnLog("recipient lookup failed for %s: %v", addr.FullAddress(), err)
			return errLocal
		}
		s.addInbound(addr.FullAddress(), pref)
	}

	s.rcptCount++
	s.m.advance(CmdRcpt)
	s.DebugLog("rcpt to=<%s>", addr.FullAddress())
	return nil
}

func (s *Session) addInbound(address string, pref *db.InboundPreference) {
	for _, r := range s.inbound {
		if r.pref.AccountID == pref.AccountID {
			r.addresses = append(r.addresses, address)
			s.DebugLog("%s shares account %d with %s, one copy", address, pref.AccountID, r.addresses[0])
			return
		}
	}
	s.inbound = append(s.inbound, &recipient{addresses: []string{address}, pref: pref})
}

func (s *Session) Data(r io.Reader) (err error) {
	defer observe("DATA", time.Now(), &err)

	if err := s.m.permit(CmdData); err != nil {
		return err
	}
	s.m.advance(CmdData)
	defer s.m.processed()

	raw, err := readData(r, s.backend.opts.MaxMessageSize)
	if err != nil {
		if s.ctx.Err() != nil {
			return errShutdown
		}
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		s.WarnLog("failed to read message: %v", err)
		return errLocal
	}

	msg, err := policy.ParseMessage(idgen.New(), raw)
	if err != nil {
		s.Log("malformed message: %v", err)
		return errMalformed
	}
	if max := s.backend.opts.MaxHops; max > 0 && policy.CountHops(msg) >= max {
		s.Log("refusing message with %d hops", policy.CountHops(msg))
		return errTooManyHops
	}

	env := s.envelope()
	s.Log("data queue_id=%s size=%d sender=<%s> recipients=%d", msg.ID, len(raw), env.Sender, s.rcptCount)
	if s.m.authed {
		return s.deliverOutbound(env, msg)
	}
	metrics.MessageSizeBytes.WithLabelValues("inbound").Observe(float64(len(raw)))
	return s.deliverInbound(env, msg, raw)
}

func (s *Session) envelope() *policy.Envelope {
	env := &policy.Envelope{
		RemoteIP:     s.remoteIP,
		Helo:         s.conn.Hostname(),
		Sender:       s.sender,
		AuthUser:     s.User,
		TrustedRelay: s.trusted,
	}
	if s.trusted && s.sender != consts.NullSender {
		if addr, err := server.NewAddress(s.sender); err == nil {
			env.Administrative = addr.IsAdministrative() && s.backend.registry.IsTrustedDomain(addr.Domain())
		}
	}
	return env
}

func (s *Session) deliverOutbound(env *policy.Envelope, msg *policy.Message) error {
	err := s.backend.outbound.Send(s.ctx, delivery.OutboundRequest{
		Pref:       s.outPref,
		Envelope:   env,
		Recipients: s.outbound,
		Message:    msg,
		TLS:        s.m.tls,
	})
	if err == nil {
		s.Log("relayed queue_id=%s to %s", msg.ID, strings.Join(s.outbound, ","))
		return nil
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr
	}
	s.WarnLog("outbound failed queue_id=%s: %v", msg.ID, err)
	return errLocal
}

func (s *Session) resetTransaction() {
	s.sender = ""
	s.declaredSize = 0
	s.rcptCount = 0
	s.inbound = nil
	s.outbound = nil
	s.outPref = nil
}

func (s *Session) Reset() {
	s.resetTransaction()
	s.m.reset()
}

func (s *Session) Logout() error {
	if s.authCounted {
		s.backend.authenticatedConnections.Add(-1)
		s.authCounted = false
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.DebugLog("session closed")
	return nil
}
