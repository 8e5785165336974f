package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/smtpd/config"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/circuitbreaker"
	"github.com/migadu/smtpd/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type RelayError struct {
	Err       error
	Permanent bool // true for 5xx errors, false for 4xx/network errors
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
// Returns true for 5xx errors, false for 4xx errors and network/connection errors.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// Relay hands a message to the next hop for all recipients at once.
type Relay interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPRelayHandler relays through a smart host with configurable TLS and a
// circuit breaker.
type SMTPRelayHandler struct {
	Host        string
	HeloName    string
	UseTLS      bool // implicit TLS
	UseStartTLS bool // STARTTLS upgrade, ignored with UseTLS
	TLSVerify   bool
	Timeout     time.Duration

	breaker *circuitbreaker.CircuitBreaker
	dialer  net.Dialer
}

// NewRelayHandlerFromConfig builds the relay for cfg. hostname is used for
// HELO when the relay section does not name one.
func NewRelayHandlerFromConfig(cfg config.RelayConfig, hostname string) (*SMTPRelayHandler, error) {
	if !cfg.IsConfigured() {
		return nil, consts.ErrRelayNotConfigured
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay timeout: %w", err)
	}
	open, err := cfg.GetBreakerOpen()
	if err != nil {
		return nil, fmt.Errorf("invalid relay breaker_open: %w", err)
	}
	helo := cfg.HeloName
	if helo == "" {
		helo = hostname
	}

	r := &SMTPRelayHandler{
		Host:        cfg.Host,
		HeloName:    helo,
		UseTLS:      cfg.UseTLS,
		UseStartTLS: cfg.UseStartTLS,
		TLSVerify:   cfg.TLSVerify,
		Timeout:     timeout,
	}
	r.breaker = circuitbreaker.New(circuitbreaker.Settings{
		Name:      "relay",
		Timeout:   open,
		Threshold: 5,
		// The next hop answering 5xx is healthy, it just refused the mail.
		IsFailure: func(err error) bool { return !IsPermanentError(err) },
	})
	return r, nil
}

// GetCircuitBreaker returns the circuit breaker for health monitoring
func (r *SMTPRelayHandler) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

// Send relays msg to every recipient in one SMTP transaction. Either the
// next hop accepts all recipients or nothing is sent.
func (r *SMTPRelayHandler) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if r.Host == "" {
		return &RelayError{Err: consts.ErrRelayNotConfigured, Permanent: false}
	}
	if len(to) == 0 {
		return &RelayError{Err: errors.New("no recipients"), Permanent: true}
	}

	send := func(ctx context.Context) error {
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		return r.send(ctx, from, to, msg)
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Do(ctx, send)
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			logger.Warn("Relay: circuit breaker is open, skipping delivery", "host", r.Host)
			metrics.OutboundRelays.WithLabelValues("circuit_open").Inc()
			return &RelayError{Err: err, Permanent: false}
		}
	} else {
		err = send(ctx)
	}

	switch {
	case err == nil:
		metrics.OutboundRelays.WithLabelValues("success").Inc()
	case IsPermanentError(err):
		metrics.OutboundRelays.WithLabelValues("permanent_failure").Inc()
	default:
		metrics.OutboundRelays.WithLabelValues("temporary_failure").Inc()
	}
	return err
}

func (r *SMTPRelayHandler) tlsConfig() *tls.Config {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}
}

func (r *SMTPRelayHandler) dial(ctx context.Context) (*smtp.Client, error) {
	if r.UseTLS {
		td := tls.Dialer{NetDialer: &r.dialer, Config: r.tlsConfig()}
		conn, err := td.DialContext(ctx, "tcp", r.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to relay with TLS: %w", err)
		}
		return r.greet(smtp.NewClient(conn))
	}

	conn, err := r.dialer.DialContext(ctx, "tcp", r.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	if r.UseStartTLS {
		// The upgrade greets the server itself.
		c, err := smtp.NewClientStartTLS(conn, r.tlsConfig())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to connect to relay with STARTTLS: %w", err)
		}
		return c, nil
	}
	return r.greet(smtp.NewClient(conn))
}

func (r *SMTPRelayHandler) greet(c *smtp.Client) (*smtp.Client, error) {
	if r.HeloName == "" {
		return c, nil
	}
	if err := c.Hello(r.HeloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to greet relay: %w", err)
	}
	return c, nil
}

func (r *SMTPRelayHandler) send(ctx context.Context, from string, to []string, msg []byte) error {
	c, err := r.dial(ctx)
	if err != nil {
		return &RelayError{Err: err, Permanent: false}
	}
	defer c.Close()

	// Unblock the protocol exchange when ctx ends mid-transaction.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// Already accepted.
		logger.Warn("Relay: failed to send QUIT", "error", err)
	}
	return nil
}
