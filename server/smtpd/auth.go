package smtpd

import (
	"context"
	"errors"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/server"
)

var (
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errAuthUnavailable = &smtp.SMTPError{
		Code:         454,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Temporary authentication failure",
	}
)

// Authenticator checks submission credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, address, password string) (int64, error)
}

func (s *Session) AuthMechanisms() []string {
	if s.backend.auth == nil {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if err := s.m.permit(CmdAuth); err != nil {
		return nil, err
	}
	if s.backend.auth == nil {
		return nil, smtp.ErrAuthUnsupported
	}
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return s.authFailed(mech, "identity mismatch")
			}
			return s.authenticate(mech, username, password)
		}), nil
	case sasl.Login:
		return &loginServer{authenticate: func(username, password string) error {
			return s.authenticate(mech, username, password)
		}}, nil
	}
	return nil, smtp.ErrAuthUnknownMechanism
}

func (s *Session) authenticate(mech, username, password string) error {
	start := time.Now()
	defer func() {
		metrics.CommandDuration.WithLabelValues("AUTH").Observe(time.Since(start).Seconds())
	}()

	addr, err := server.NewAddress(username)
	if err != nil {
		return s.authFailed(mech, "invalid username")
	}
	accountID, err := s.backend.auth.Authenticate(s.ctx, addr.BaseAddress(), password)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) || errors.Is(err, consts.ErrInvalidPassword) {
			return s.authFailed(mech, err.Error())
		}
		s.WarnLog("authentication backend error: %v", err)
		metrics.AuthenticationAttempts.WithLabelValues(mech, "error").Inc()
		metrics.CommandsTotal.WithLabelValues("AUTH", "failure").Inc()
		return errAuthUnavailable
	}

	s.User = addr.BaseAddress()
	s.AccountID = accountID
	s.resetTransaction()
	s.m.advance(CmdAuth)
	s.backend.authenticatedConnections.Add(1)
	s.authCounted = true

	metrics.AuthenticationAttempts.WithLabelValues(mech, "success").Inc()
	metrics.CommandsTotal.WithLabelValues("AUTH", "success").Inc()
	s.Log("authenticated mechanism=%s", mech)
	return nil
}

func (s *Session) authFailed(mech, reason string) error {
	metrics.AuthenticationAttempts.WithLabelValues(mech, "failure").Inc()
	metrics.CommandsTotal.WithLabelValues("AUTH", "failure").Inc()
	s.Log("authentication failed mechanism=%s reason=%s", mech, reason)
	return errAuthFailed
}

// loginServer implements the server side of AUTH LOGIN: the username and
// the password are each requested with a challenge. An initial response
// is taken as the username.
type loginServer struct {
	authenticate func(username, password string) error
	username     string
	step         int
}

func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.step {
	case 0:
		l.step++
		if response == nil {
			return []byte("Username:"), false, nil
		}
		fallthrough
	case 1:
		l.username = string(response)
		l.step = 2
		return []byte("Password:"), false, nil
	case 2:
		l.step++
		return nil, true, l.authenticate(l.username, string(response))
	}
	return nil, false, sasl.ErrUnexpectedClientResponse
}
