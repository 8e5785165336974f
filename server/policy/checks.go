package policy

import (
	"context"

	"github.com/migadu/smtpd/db"
)

// check is one classification step. fires reports whether the message
// earns mark for this recipient; the spam step also returns its verdict.
type check struct {
	name      db.CheckName
	mark      Mark
	canReject bool
	fires     func(ctx context.Context, v *Verdicts, rcpt *db.InboundPreference) (bool, SpamVerdict)
}

// orderedChecks is the precedence of the classification steps. The first
// enabled check that fires sets the mark and no later check runs. Virus
// comes first, so it is effectively evaluated unconditionally.
var orderedChecks = []check{
	{
		name: db.CheckVirus,
		mark: MarkInfected,
		fires: func(ctx context.Context, v *Verdicts, _ *db.InboundPreference) (bool, SpamVerdict) {
			return v.Scan(ctx) == ScanInfected, SpamVerdict{}
		},
	},
	{
		name: db.CheckPhishing,
		mark: MarkPhishing,
		fires: func(ctx context.Context, v *Verdicts, _ *db.InboundPreference) (bool, SpamVerdict) {
			return v.Scan(ctx) == ScanPhishing, SpamVerdict{}
		},
	},
	{
		name:      db.CheckSPF,
		mark:      MarkSpoofed,
		canReject: true,
		fires: func(ctx context.Context, v *Verdicts, _ *db.InboundPreference) (bool, SpamVerdict) {
			return v.SPF(ctx) == SPFFail, SpamVerdict{}
		},
	},
	{
		name:      db.CheckDKIM,
		mark:      MarkForged,
		canReject: true,
		fires: func(ctx context.Context, v *Verdicts, _ *db.InboundPreference) (bool, SpamVerdict) {
			return v.DKIM(ctx) == DKIMInvalid, SpamVerdict{}
		},
	},
	{
		name:      db.CheckRBL,
		mark:      MarkBlacklisted,
		canReject: true,
		fires: func(ctx context.Context, v *Verdicts, _ *db.InboundPreference) (bool, SpamVerdict) {
			return v.Listed(ctx), SpamVerdict{}
		},
	},
	{
		name: db.CheckSpam,
		mark: MarkJunk,
		fires: func(ctx context.Context, v *Verdicts, rcpt *db.InboundPreference) (bool, SpamVerdict) {
			verdict := v.Spam(ctx, rcpt.AccountID)
			return verdict.Spam, verdict
		},
	},
}
