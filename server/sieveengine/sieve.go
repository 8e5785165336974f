package sieveengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDiscard  Action = "discard"
	ActionFileInto Action = "fileinto"
	ActionRedirect Action = "redirect"
)

// SupportedExtensions are the extensions scripts may require.
var SupportedExtensions = []string{
	"fileinto",
	"envelope",
	"encoded-character",
	"imap4flags",
	"variables",
	"relational",
	"vacation",
	"copy",
	"regex",
}

// Vacation is a reply a script asked for and the oracle allowed.
type Vacation struct {
	To      string
	From    string
	Subject string
	Body    string
	IsMime  bool
}

type Result struct {
	Action     Action
	Mailbox    string   // fileinto target
	RedirectTo string   // redirect target
	Copy       bool     // a copy is also kept in the default folder
	Flags      []string // flags to set on the stored message
	Vacation   *Vacation
}

type Context struct {
	EnvelopeFrom string
	EnvelopeTo   string
	AuthUser     string
	Header       map[string][]string
	Size         int
}

// VacationOracle decides whether a vacation reply may go out. Allow must
// record the reply atomically so concurrent deliveries answer only once.
type VacationOracle interface {
	AllowVacation(ctx context.Context, accountID int64, sender, handle string, period time.Duration) (bool, error)
}

type Executor interface {
	Evaluate(ctx context.Context, sctx Context) (Result, error)
}

// SieveExecutor implements Executor with go-sieve.
type SieveExecutor struct {
	script    *sieve.Script
	accountID int64
	oracle    VacationOracle
}

// NewSieveExecutor compiles a script for one account. oracle may be nil,
// in which case vacation actions are ignored.
func NewSieveExecutor(scriptContent string, accountID int64, oracle VacationOracle) (*SieveExecutor, error) {
	options := sieve.DefaultOptions()
	options.EnabledExtensions = SupportedExtensions
	script, err := sieve.Load(strings.NewReader(scriptContent), options)
	if err != nil {
		return nil, fmt.Errorf("invalid sieve script: %w", err)
	}
	return &SieveExecutor{script: script, accountID: accountID, oracle: oracle}, nil
}

func (e *SieveExecutor) Evaluate(ctx context.Context, sctx Context) (Result, error) {
	envelope := &sieveEnvelope{from: sctx.EnvelopeFrom, to: sctx.EnvelopeTo, auth: sctx.AuthUser}
	message := &sieveMessage{header: canonicalHeader(sctx.Header), size: sctx.Size}
	policy := &sievePolicy{}

	data := sieve.NewRuntimeData(e.script, policy, envelope, message)
	if err := e.script.Execute(ctx, data); err != nil {
		return Result{Action: ActionKeep}, err
	}

	result := Result{Action: ActionKeep, Flags: data.Flags}
	switch {
	case len(data.Mailboxes) > 0:
		result.Action = ActionFileInto
		result.Mailbox = data.Mailboxes[0]
		result.Copy = data.ImplicitKeep || data.Keep
	case len(data.RedirectAddr) > 0:
		result.Action = ActionRedirect
		result.RedirectTo = data.RedirectAddr[0]
		result.Copy = data.ImplicitKeep || data.Keep
	case !data.Keep && !data.ImplicitKeep && e.discarded(data):
		result.Action = ActionDiscard
	}

	// Vacation is only honoured while the message is still kept.
	if result.Action == ActionKeep && e.oracle != nil {
		for sender, vacation := range data.VacationResponses {
			period := time.Duration(vacation.Days) * 24 * time.Hour
			allowed, err := e.oracle.AllowVacation(ctx, e.accountID, sender, vacation.Handle, period)
			if err != nil {
				return result, fmt.Errorf("checking vacation allowance: %w", err)
			}
			if allowed {
				result.Vacation = &Vacation{
					To:      sender,
					From:    vacation.From,
					Subject: vacation.Subject,
					Body:    vacation.Body,
					IsMime:  vacation.IsMime,
				}
			}
			break
		}
	}
	return result, nil
}

// discarded tells a discard apart from a vacation reply. The interpreter
// clears the implicit keep for both, but only discard resets the flag list
// to an empty non-nil slice. Scripts using imap4flags can reset it too, so
// for them a vacation reply always keeps the message.
func (e *SieveExecutor) discarded(data *interp.RuntimeData) bool {
	if len(data.VacationResponses) == 0 {
		return true
	}
	if e.script.RequiresExtension("imap4flags") {
		return false
	}
	return data.Flags != nil && len(data.Flags) == 0
}

// sievePolicy allows redirects. Vacation replies are decided after the
// run from the recorded responses, so the interpreter callbacks only
// acknowledge them.
type sievePolicy struct{}

func (p *sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (p *sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return true, nil
}

func (p *sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

type sieveEnvelope struct {
	from, to, auth string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return e.auth }

type sieveMessage struct {
	header map[string][]string
	size   int
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.header[strings.ToLower(key)], nil
}

func (m *sieveMessage) MessageSize() int {
	return m.size
}

func canonicalHeader(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		k = strings.ToLower(k)
		out[k] = append(out[k], v...)
	}
	return out
}
