package policy

import (
	"context"
	"net"
	"time"

	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
)

type ScanResult int

const (
	ScanClean ScanResult = iota
	ScanInfected
	ScanPhishing
)

type SPFResult int

const (
	SPFNone SPFResult = iota
	SPFPass
	SPFFail
	SPFError
)

type DKIMResult int

const (
	DKIMNone DKIMResult = iota
	DKIMValid
	DKIMInvalid
)

type SpamVerdict struct {
	Spam      bool
	Signature string
}

// Scanner looks for malware and phishing.
type Scanner interface {
	Scan(ctx context.Context, raw []byte) (ScanResult, error)
}

type SPFChecker interface {
	CheckSPF(ctx context.Context, ip net.IP, helo, sender string) (SPFResult, error)
}

type DKIMVerifier interface {
	VerifyDKIM(ctx context.Context, raw []byte) (DKIMResult, error)
}

type RBLChecker interface {
	Listed(ctx context.Context, ip net.IP) (bool, error)
}

type SpamFilter interface {
	CheckSpam(ctx context.Context, accountID int64, raw []byte) (SpamVerdict, error)
}

// Checkers bundles the verdict sources. A nil source never classifies.
type Checkers struct {
	Scanner Scanner
	SPF     SPFChecker
	DKIM    DKIMVerifier
	RBL     RBLChecker
	Spam    SpamFilter
	Timeout time.Duration
}

type memo[T any] struct {
	done bool
	val  T
}

// Verdicts memoizes collaborator answers for one message so that several
// recipients of it cause at most one call per source. Spam verdicts are
// per account. Not safe for concurrent use.
type Verdicts struct {
	checkers *Checkers
	env      *Envelope
	raw      []byte

	scan memo[ScanResult]
	spf  memo[SPFResult]
	dkim memo[DKIMResult]
	rbl  memo[bool]
	spam map[int64]SpamVerdict
}

func NewVerdicts(c *Checkers, env *Envelope, raw []byte) *Verdicts {
	if c == nil {
		c = &Checkers{}
	}
	return &Verdicts{checkers: c, env: env, raw: raw, spam: make(map[int64]SpamVerdict)}
}

// ask runs fn under the check timeout. Errors are logged and yield the
// zero value, which never classifies.
func ask[T any](ctx context.Context, v *Verdicts, name string, m *memo[T], fn func(context.Context) (T, error)) T {
	if m.done {
		return m.val
	}
	m.done = true

	if v.checkers.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.checkers.Timeout)
		defer cancel()
	}
	start := time.Now()
	val, err := fn(ctx)
	status := "success"
	if err != nil {
		status = "error"
		logger.Warn("Policy: check failed, treating as unclassified", "check", name, "error", err)
		var zero T
		val = zero
	}
	metrics.PolicyCheckDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	m.val = val
	return val
}

func (v *Verdicts) Scan(ctx context.Context) ScanResult {
	if v.checkers.Scanner == nil {
		return ScanClean
	}
	return ask(ctx, v, "scan", &v.scan, func(ctx context.Context) (ScanResult, error) {
		return v.checkers.Scanner.Scan(ctx, v.raw)
	})
}

func (v *Verdicts) SPF(ctx context.Context) SPFResult {
	if v.checkers.SPF == nil {
		return SPFNone
	}
	return ask(ctx, v, "spf", &v.spf, func(ctx context.Context) (SPFResult, error) {
		return v.checkers.SPF.CheckSPF(ctx, v.env.RemoteIP, v.env.Helo, v.env.Sender)
	})
}

func (v *Verdicts) DKIM(ctx context.Context) DKIMResult {
	if v.checkers.DKIM == nil {
		return DKIMNone
	}
	return ask(ctx, v, "dkim", &v.dkim, func(ctx context.Context) (DKIMResult, error) {
		return v.checkers.DKIM.VerifyDKIM(ctx, v.raw)
	})
}

func (v *Verdicts) Listed(ctx context.Context) bool {
	if v.checkers.RBL == nil {
		return false
	}
	return ask(ctx, v, "rbl", &v.rbl, func(ctx context.Context) (bool, error) {
		return v.checkers.RBL.Listed(ctx, v.env.RemoteIP)
	})
}

func (v *Verdicts) Spam(ctx context.Context, accountID int64) SpamVerdict {
	if v.checkers.Spam == nil {
		return SpamVerdict{}
	}
	if verdict, ok := v.spam[accountID]; ok {
		return verdict
	}
	m := &memo[SpamVerdict]{}
	verdict := ask(ctx, v, "spam", m, func(ctx context.Context) (SpamVerdict, error) {
		return v.checkers.Spam.CheckSpam(ctx, accountID, v.raw)
	})
	v.spam[accountID] = verdict
	return verdict
}
