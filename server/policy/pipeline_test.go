package policy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScanner struct {
	result ScanResult
	err    error
	calls  int
}

func (s *stubScanner) Scan(ctx context.Context, raw []byte) (ScanResult, error) {
	s.calls++
	return s.result, s.err
}

type stubSPF struct {
	result SPFResult
	calls  int
}

func (s *stubSPF) CheckSPF(ctx context.Context, ip net.IP, helo, sender string) (SPFResult, error) {
	s.calls++
	return s.result, nil
}

type stubDKIM struct{ result DKIMResult }

func (s *stubDKIM) VerifyDKIM(ctx context.Context, raw []byte) (DKIMResult, error) {
	return s.result, nil
}

type stubRBL struct{ listed bool }

func (s *stubRBL) Listed(ctx context.Context, ip net.IP) (bool, error) {
	return s.listed, nil
}

type stubSpam struct {
	verdict SpamVerdict
	calls   map[int64]int
}

func (s *stubSpam) CheckSpam(ctx context.Context, accountID int64, raw []byte) (SpamVerdict, error) {
	if s.calls == nil {
		s.calls = make(map[int64]int)
	}
	s.calls[accountID]++
	return s.verdict, nil
}

const testRaw = "From: a@remote.example\r\nSubject: hi\r\n\r\nhello world\r\n"

func testMessage(t *testing.T) *Message {
	t.Helper()
	msg, err := ParseMessage("Q1", []byte(testRaw))
	require.NoError(t, err)
	return msg
}

func testEnvelope() *Envelope {
	return &Envelope{RemoteIP: net.ParseIP("192.0.2.10"), Helo: "mx.remote.example", Sender: "a@remote.example"}
}

func recipient(checks map[db.CheckName]db.Action) *db.InboundPreference {
	pref := &db.InboundPreference{AccountID: 1, Address: "user@local.example", FolderID: 1, Checks: map[db.CheckName]db.CheckSetting{}}
	for name, action := range checks {
		pref.Checks[name] = db.CheckSetting{Enabled: true, Action: action}
	}
	return pref
}

func TestBounceSuppression(t *testing.T) {
	p := NewPipeline(nil)
	env := testEnvelope()
	env.Sender = ""
	rcpt := recipient(nil)
	rcpt.BounceOptOut = true

	d := p.Evaluate(context.Background(), NewVerdicts(nil, env, nil), env, testMessage(t), rcpt)
	assert.Equal(t, OutcomeDiscard, d.Outcome)

	rcpt.BounceOptOut = false
	d = p.Evaluate(context.Background(), NewVerdicts(nil, env, nil), env, testMessage(t), rcpt)
	assert.Equal(t, OutcomeStore, d.Outcome)
}

func TestSizeLimitBoundary(t *testing.T) {
	p := NewPipeline(nil)
	env := testEnvelope()
	msg := testMessage(t)

	rcpt := recipient(nil)
	rcpt.SizeLimit = msg.Size()
	d := p.Evaluate(context.Background(), NewVerdicts(nil, env, nil), env, msg, rcpt)
	assert.Equal(t, OutcomeStore, d.Outcome, "exactly at the limit is accepted")

	rcpt.SizeLimit = msg.Size() - 1
	d = p.Evaluate(context.Background(), NewVerdicts(nil, env, nil), env, msg, rcpt)
	assert.Equal(t, OutcomeBounce, d.Outcome)
	require.NotNil(t, d.Reason)
	assert.Equal(t, 552, d.Reason.Code)
}

func TestQuotaStep(t *testing.T) {
	msg := testMessage(t)
	tests := []struct {
		name        string
		rollout     bool
		trusted     bool
		admin       bool
		used        int64
		wantOutcome Outcome
		wantRollout bool
		wantEnforce bool
	}{
		{name: "fits", used: 0, wantOutcome: OutcomeStore, wantEnforce: true},
		{name: "over quota", used: 95, wantOutcome: OutcomeTempFail},
		{name: "over quota with rollout", used: 95, rollout: true, wantOutcome: OutcomeStore, wantRollout: true},
		{name: "trusted administrative sender", used: 95, trusted: true, admin: true, wantOutcome: OutcomeStore},
		{name: "trusted relay only", used: 95, trusted: true, wantOutcome: OutcomeTempFail},
		{name: "administrative sender only", used: 95, admin: true, wantOutcome: OutcomeTempFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope()
			env.TrustedRelay = tt.trusted
			env.Administrative = tt.admin
			rcpt := recipient(nil)
			rcpt.Quota = 100
			rcpt.Used = tt.used
			rcpt.Rollout = tt.rollout

			d := NewPipeline(nil).Evaluate(context.Background(), NewVerdicts(nil, env, nil), env, msg, rcpt)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			if tt.wantOutcome == OutcomeTempFail {
				require.NotNil(t, d.Reason)
				assert.Equal(t, 452, d.Reason.Code)
				return
			}
			assert.Equal(t, tt.wantRollout, d.Rollout)
			assert.Equal(t, tt.wantEnforce, d.EnforceQuota)
		})
	}
}

func TestVirusBounceNeverStores(t *testing.T) {
	env := testEnvelope()
	checkers := &Checkers{Scanner: &stubScanner{result: ScanInfected}}
	rcpt := recipient(map[db.CheckName]db.Action{db.CheckVirus: db.ActionBounce})

	d := NewPipeline(nil).Evaluate(context.Background(), NewVerdicts(checkers, env, nil), env, testMessage(t), rcpt)
	assert.Equal(t, OutcomeBounce, d.Outcome)
	assert.Equal(t, MarkInfected, d.Mark)
	assert.True(t, d.Outcome.Permanent())
	assert.Equal(t, 550, d.Reason.Code)
}

func TestFirstMatchWins(t *testing.T) {
	env := testEnvelope()
	checkers := &Checkers{
		Scanner: &stubScanner{result: ScanClean},
		SPF:     &stubSPF{result: SPFFail},
		DKIM:    &stubDKIM{result: DKIMInvalid},
		RBL:     &stubRBL{listed: true},
		Spam:    &stubSpam{verdict: SpamVerdict{Spam: true}},
	}
	rcpt := recipient(map[db.CheckName]db.Action{
		db.CheckVirus: db.ActionBounce,
		db.CheckSPF:   db.ActionMark,
		db.CheckDKIM:  db.ActionReject,
		db.CheckRBL:   db.ActionDelete,
		db.CheckSpam:  db.ActionBounce,
	})

	d := NewPipeline(nil).Evaluate(context.Background(), NewVerdicts(checkers, env, nil), env, testMessage(t), rcpt)
	assert.Equal(t, OutcomeStore, d.Outcome)
	assert.Equal(t, MarkSpoofed, d.Mark)
	assert.Equal(t, db.CheckSPF, d.Check)
	assert.Empty(t, d.SpamToken)
	assert.Empty(t, checkers.Spam.(*stubSpam).calls, "later checks do not run once marked")
}

func TestDisabledCheckIsSkipped(t *testing.T) {
	env := testEnvelope()
	checkers := &Checkers{SPF: &stubSPF{result: SPFFail}, RBL: &stubRBL{listed: true}}
	rcpt := recipient(map[db.CheckName]db.Action{db.CheckRBL: db.ActionMarkRead})

	d := NewPipeline(nil).Evaluate(context.Background(), NewVerdicts(checkers, env, nil), env, testMessage(t), rcpt)
	assert.Equal(t, MarkBlacklisted, d.Mark)
	assert.True(t, d.Seen)
	assert.Zero(t, checkers.SPF.(*stubSPF).calls)
}

func TestRejectOnlyForSenderChecks(t *testing.T) {
	tests := []struct {
		name     string
		checkers *Checkers
		check    db.CheckName
		want     Outcome
	}{
		{"spf", &Checkers{SPF: &stubSPF{result: SPFFail}}, db.CheckSPF, OutcomeReject},
		{"dkim", &Checkers{DKIM: &stubDKIM{result: DKIMInvalid}}, db.CheckDKIM, OutcomeReject},
		{"rbl", &Checkers{RBL: &stubRBL{listed: true}}, db.CheckRBL, OutcomeReject},
		{"virus", &Checkers{Scanner: &stubScanner{result: ScanInfected}}, db.CheckVirus, OutcomeBounce},
		{"spam", &Checkers{Spam: &stubSpam{verdict: SpamVerdict{Spam: true}}}, db.CheckSpam, OutcomeBounce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope()
			rcpt := recipient(map[db.CheckName]db.Action{tt.check: db.ActionReject})
			d := NewPipeline(nil).Evaluate(context.Background(), NewVerdicts(tt.checkers, env, nil), env, testMessage(t), rcpt)
			assert.Equal(t, tt.want, d.Outcome)
		})
	}
}

func TestPipelineIsDeterministic(t *testing.T) {
	env := testEnvelope()
	checkers := &Checkers{
		Scanner: &stubScanner{result: ScanPhishing},
		SPF:     &stubSPF{result: SPFFail},
	}
	rcpt := recipient(map[db.CheckName]db.Action{
		db.CheckPhishing: db.ActionDelete,
		db.CheckSPF:      db.ActionReject,
	})
	msg := testMessage(t)

	var first Decision
	for i := 0; i < 5; i++ {
		d := NewPipeline(nil).Evaluate(context.Background(), NewVerdicts(checkers, env, nil), env, msg, rcpt)
		if i == 0 {
			first = d
			continue
		}
		assert.Equal(t, first, d)
	}
	assert.Equal(t, OutcomeDiscard, first.Outcome)
	assert.Equal(t, MarkPhishing, first.Mark)
}

func TestVerdictsAreMemoizedAcrossRecipients(t *testing.T) {
	env := testEnvelope()
	scanner := &stubScanner{result: ScanClean}
	spf := &stubSPF{result: SPFPass}
	spam := &stubSpam{}
	checkers := &Checkers{Scanner: scanner, SPF: spf, Spam: spam}
	v := NewVerdicts(checkers, env, []byte(testRaw))
	p := NewPipeline(nil)

	all := map[db.CheckName]db.Action{
		db.CheckVirus: db.ActionBounce, db.CheckPhishing: db.ActionBounce,
		db.CheckSPF: db.ActionMark, db.CheckSpam: db.ActionMark,
	}
	first := recipient(all)
	second := recipient(all)
	second.AccountID = 2
	for _, rcpt := range []*db.InboundPreference{first, second, first} {
		d := p.Evaluate(context.Background(), v, env, testMessage(t), rcpt)
		assert.Equal(t, OutcomeStore, d.Outcome)
	}
	assert.Equal(t, 1, scanner.calls)
	assert.Equal(t, 1, spf.calls)
	assert.Equal(t, map[int64]int{1: 1, 2: 1}, spam.calls)
}

func TestSpamPositiveGetsToken(t *testing.T) {
	env := testEnvelope()
	checkers := &Checkers{Spam: &stubSpam{verdict: SpamVerdict{Spam: true, Signature: "sig-1"}}}
	rcpt := recipient(map[db.CheckName]db.Action{db.CheckSpam: db.ActionMark})
	p := NewPipeline(nil)
	p.newToken = func() string { return "token-1" }

	d := p.Evaluate(context.Background(), NewVerdicts(checkers, env, nil), env, testMessage(t), rcpt)
	assert.Equal(t, MarkJunk, d.Mark)
	assert.Equal(t, "token-1", d.SpamToken)
	assert.Equal(t, "sig-1", d.SpamSignature)
}

func TestCollaboratorErrorLeavesMessageUnclassified(t *testing.T) {
	env := testEnvelope()
	checkers := &Checkers{Scanner: &stubScanner{result: ScanInfected, err: errors.New("clamd down")}}
	rcpt := recipient(map[db.CheckName]db.Action{db.CheckVirus: db.ActionBounce})

	d := NewPipeline(nil).Evaluate(context.Background(), NewVerdicts(checkers, env, nil), env, testMessage(t), rcpt)
	assert.Equal(t, OutcomeStore, d.Outcome)
	assert.Equal(t, MarkNone, d.Mark)
}

func TestDailyReceiveLimits(t *testing.T) {
	_, client := testutils.NewRedis(t)
	counters := cache.NewCounters(client)
	ctx := context.Background()
	env := testEnvelope()
	msg := testMessage(t)
	p := NewPipeline(counters)

	rcpt := recipient(nil)
	rcpt.DailyRecvLimit = 2
	rcpt.DailyRecvSubnetLimit = 1

	d := p.Evaluate(ctx, NewVerdicts(nil, env, nil), env, msg, rcpt)
	assert.Equal(t, OutcomeStore, d.Outcome)

	_, err := counters.AddDaily(ctx, cache.CounterReceivedSubnet, SubnetCounterKey(1, net.ParseIP("192.0.2.200")), 1)
	require.NoError(t, err)
	d = p.Evaluate(ctx, NewVerdicts(nil, env, nil), env, msg, rcpt)
	assert.Equal(t, OutcomeTempFail, d.Outcome, "same /24 shares the counter")

	other := testEnvelope()
	other.RemoteIP = net.ParseIP("198.51.100.1")
	d = p.Evaluate(ctx, NewVerdicts(nil, other, nil), other, msg, rcpt)
	assert.Equal(t, OutcomeStore, d.Outcome)

	_, err = counters.AddDaily(ctx, cache.CounterReceived, strconv.FormatInt(1, 10), 2)
	require.NoError(t, err)
	d = p.Evaluate(ctx, NewVerdicts(nil, other, nil), other, msg, rcpt)
	assert.Equal(t, OutcomeTempFail, d.Outcome)
	assert.Equal(t, 450, d.Reason.Code)
}

func TestSubnetCounterKey(t *testing.T) {
	assert.Equal(t, "7:192.0.2.0/24", SubnetCounterKey(7, net.ParseIP("192.0.2.99")))
	assert.Equal(t, "7:2001:db8:1:2::/64", SubnetCounterKey(7, net.ParseIP("2001:db8:1:2:3:4:5:6")))
}
