package policy

import (
	"context"
	"strings"

	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/server/sieveengine"
)

// FilterResult is what a recipient's content filter asks for on top of
// the pipeline decision.
type FilterResult struct {
	Discard  bool
	Folder   string // empty means the default folder
	KeepCopy bool   // also store in the default folder when Folder or Redirect is set
	Redirect string
	Seen     bool
	Vacation *sieveengine.Vacation
}

// ContentFilter runs per-account sieve scripts.
type ContentFilter struct {
	oracle sieveengine.VacationOracle
}

func NewContentFilter(oracle sieveengine.VacationOracle) *ContentFilter {
	return &ContentFilter{oracle: oracle}
}

// Apply evaluates the recipient's script. A broken script or a runtime
// error keeps the message where the pipeline put it.
func (f *ContentFilter) Apply(ctx context.Context, rcpt *db.InboundPreference, env *Envelope, msg *Message) FilterResult {
	if strings.TrimSpace(rcpt.SieveScript) == "" {
		return FilterResult{}
	}
	exec, err := sieveengine.NewSieveExecutor(rcpt.SieveScript, rcpt.AccountID, f.oracle)
	if err != nil {
		logger.Warn("Policy: ignoring invalid sieve script", "account_id", rcpt.AccountID, "error", err)
		return FilterResult{}
	}
	res, err := exec.Evaluate(ctx, sieveengine.Context{
		EnvelopeFrom: env.Sender,
		EnvelopeTo:   rcpt.Address,
		AuthUser:     env.AuthUser,
		Header:       msg.HeaderMap(),
		Size:         int(msg.Size()),
	})
	if err != nil {
		logger.Warn("Policy: sieve script failed, keeping message", "account_id", rcpt.AccountID, "error", err)
		return FilterResult{}
	}

	out := FilterResult{Vacation: res.Vacation}
	switch res.Action {
	case sieveengine.ActionDiscard:
		out.Discard = true
	case sieveengine.ActionFileInto:
		out.Folder = res.Mailbox
		out.KeepCopy = res.Copy
	case sieveengine.ActionRedirect:
		out.Redirect = res.RedirectTo
		out.KeepCopy = res.Copy
	}
	for _, flag := range res.Flags {
		if strings.EqualFold(flag, `\Seen`) {
			out.Seen = true
		}
	}
	return out
}
