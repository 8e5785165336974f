// Package smtpd is the SMTP front end: it adapts go-smtp connections to
// sessions that run the inbound policy pipeline for local recipients and
// relay mail for authenticated users.
package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/smtpd/config"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/server"
	"github.com/migadu/smtpd/server/delivery"
	"github.com/migadu/smtpd/server/mailstore"
	"github.com/migadu/smtpd/server/policy"
)

// RecipientStore resolves local recipients and their folders.
type RecipientStore interface {
	LookupRecipient(ctx context.Context, address string) (*db.InboundPreference, error)
	FolderID(ctx context.Context, accountID int64, name string) (int64, error)
}

// MessageStore commits accepted messages.
type MessageStore interface {
	Accept(ctx context.Context, req mailstore.AcceptRequest) (mailstore.Result, error)
	Copy(ctx context.Context, accountID, messageID, folderID int64) (int64, error)
}

// ReceiveCounters counts delivered messages per account and subnet.
type ReceiveCounters interface {
	AddDaily(ctx context.Context, kind, subject string, n int64) (int64, error)
}

// Options are the listener and session limits.
type Options struct {
	Addr                string
	Hostname            string
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxRecipients       int
	MaxHops             int
	MaxMessageSize      int64
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	TLSConfig           *tls.Config
	ImplicitTLS         bool // wrap the listener instead of offering STARTTLS
	AllowInsecureAuth   bool
}

// OptionsFromConfig turns the [smtp] section into Options, loading the
// certificate if one is configured.
func OptionsFromConfig(cfg config.SMTPServerConfig) (Options, error) {
	opts := Options{
		Addr:                cfg.Addr,
		Hostname:            cfg.Hostname,
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		MaxRecipients:       cfg.MaxRecipients,
		MaxHops:             cfg.MaxHops,
		ImplicitTLS:         cfg.ImplicitTLS,
		AllowInsecureAuth:   cfg.AllowInsecureAuth,
	}
	var err error
	if opts.MaxMessageSize, err = cfg.GetMaxMessageSize(); err != nil {
		return Options{}, fmt.Errorf("invalid max_message_size: %w", err)
	}
	if opts.ReadTimeout, err = cfg.GetReadTimeout(); err != nil {
		return Options{}, fmt.Errorf("invalid read_timeout: %w", err)
	}
	if opts.WriteTimeout, err = cfg.GetWriteTimeout(); err != nil {
		return Options{}, fmt.Errorf("invalid write_timeout: %w", err)
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return Options{}, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		opts.TLSConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			ServerName:    cfg.Hostname,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return opts, nil
}

// Dependencies are the collaborators sessions call into. Auth, Outbound,
// Notifier, Filter and Counters are optional.
type Dependencies struct {
	Registry   *server.Registry
	Auth       Authenticator
	Recipients RecipientStore
	Pipeline   *policy.Pipeline
	Checkers   *policy.Checkers
	Filter     *policy.ContentFilter
	Store      MessageStore
	Counters   ReceiveCounters
	Notifier   *delivery.Notifier
	Outbound   *delivery.Outbound
}

// Backend creates a Session per greeting and owns the listener.
type Backend struct {
	appCtx     context.Context
	opts       Options
	registry   *server.Registry
	auth       Authenticator
	recipients RecipientStore
	pipeline   *policy.Pipeline
	checkers   *policy.Checkers
	filter     *policy.ContentFilter
	store      MessageStore
	counters   ReceiveCounters
	notifier   *delivery.Notifier
	outbound   *delivery.Outbound

	server  *smtp.Server
	limiter *server.ConnectionLimiter

	totalSessions            atomic.Int64
	authenticatedConnections atomic.Int64
}

func New(appCtx context.Context, opts Options, deps Dependencies) (*Backend, error) {
	if deps.Registry == nil || deps.Recipients == nil || deps.Pipeline == nil || deps.Store == nil {
		return nil, fmt.Errorf("smtpd: registry, recipients, pipeline and store are required")
	}
	if opts.Hostname == "" {
		return nil, fmt.Errorf("smtpd: hostname is required")
	}
	if deps.Auth != nil && deps.Outbound == nil {
		logger.Warn("SMTP: no outbound relay configured, AUTH disabled")
		deps.Auth = nil
	}

	b := &Backend{
		appCtx:     appCtx,
		opts:       opts,
		registry:   deps.Registry,
		auth:       deps.Auth,
		recipients: deps.Recipients,
		pipeline:   deps.Pipeline,
		checkers:   deps.Checkers,
		filter:     deps.Filter,
		store:      deps.Store,
		counters:   deps.Counters,
		notifier:   deps.Notifier,
		outbound:   deps.Outbound,
	}

	b.limiter = server.NewConnectionLimiter("SMTP", opts.MaxConnections, opts.MaxConnectionsPerIP, deps.Registry.TrustedNetworks())

	s := smtp.NewServer(b)
	s.Addr = opts.Addr
	s.Domain = opts.Hostname
	s.MaxMessageBytes = opts.MaxMessageSize
	s.MaxRecipients = opts.MaxRecipients
	s.ReadTimeout = opts.ReadTimeout
	s.WriteTimeout = opts.WriteTimeout
	s.AllowInsecureAuth = opts.AllowInsecureAuth
	s.EnableSMTPUTF8 = true
	s.Network = "tcp"
	if opts.TLSConfig != nil && !opts.ImplicitTLS {
		// With STARTTLS offered, AUTH is only accepted after the handshake,
		// so an authenticated session is already past its only STARTTLS.
		s.TLSConfig = opts.TLSConfig
		if s.AllowInsecureAuth {
			logger.Warn("SMTP: allow_insecure_auth ignored, STARTTLS is offered")
			s.AllowInsecureAuth = false
		}
	}
	b.server = s
	return b, nil
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ip := server.IPFromAddr(c.Conn().RemoteAddr())
	ctx, cancel := context.WithCancel(b.appCtx)

	s := &Session{
		backend:  b,
		conn:     c,
		ctx:      ctx,
		cancel:   cancel,
		remoteIP: ip,
		trusted:  b.registry.IsTrustedNetwork(ip),
	}
	_, s.m.tls = c.TLSConnectionState()
	s.Id = b.registry.NextSessionID()
	if ip != nil {
		s.RemoteIP = ip.String()
	} else {
		s.RemoteIP = c.Conn().RemoteAddr().String()
	}
	s.HostName = b.opts.Hostname
	s.Protocol = "SMTP"
	s.Stats = b

	if err := s.m.permit(CmdHelo); err != nil {
		cancel()
		return nil, err
	}
	s.m.advance(CmdHelo)
	b.totalSessions.Add(1)

	s.Log("new session helo=%s tls=%t trusted=%t", c.Hostname(), s.m.tls, s.trusted)
	return s, nil
}

// Start listens and serves until Close. Errors other than a shutdown are
// sent to errChan.
func (b *Backend) Start(errChan chan error) {
	lc := net.ListenConfig{}
	tcpListener, err := lc.Listen(b.appCtx, "tcp", b.opts.Addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	b.Serve(tcpListener, errChan)
}

// Serve runs the server on an existing listener.
func (b *Backend) Serve(l net.Listener, errChan chan error) {
	// The limiter sits below TLS so go-smtp still sees a *tls.Conn.
	var listener net.Listener = server.LimitListener(l, b.limiter)
	if b.opts.TLSConfig != nil && b.opts.ImplicitTLS {
		listener = tls.NewListener(listener, b.opts.TLSConfig)
		logger.Info("SMTP server listening with TLS", "addr", l.Addr())
	} else {
		logger.Info("SMTP server listening", "addr", l.Addr(), "starttls", b.server.TLSConfig != nil)
	}
	defer listener.Close()

	if err := b.server.Serve(listener); err != nil {
		if b.appCtx.Err() != nil || errors.Is(err, smtp.ErrServerClosed) {
			logger.Info("SMTP server stopped gracefully")
			return
		}
		select {
		case errChan <- fmt.Errorf("SMTP server error: %w", err):
		default:
		}
		return
	}
	logger.Info("SMTP server stopped gracefully")
}

func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the number of open connections.
func (b *Backend) GetTotalConnections() int64 {
	return b.limiter.Current()
}

// GetAuthenticatedConnections returns the number of sessions that passed AUTH.
func (b *Backend) GetAuthenticatedConnections() int64 {
	return b.authenticatedConnections.Load()
}

// GetLimiter returns the connection limiter for testing purposes
func (b *Backend) GetLimiter() *server.ConnectionLimiter {
	return b.limiter
}
