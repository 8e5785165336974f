package smtpd

import (
	"errors"
	"testing"

	"github.com/emersion/go-smtp"
)

func TestDispatchTable(t *testing.T) {
	all := []Phase{PhaseInit, PhaseGreeted, PhaseAuthenticated, PhaseSenderSet, PhaseRecipientsSet, PhaseReceivingData, PhaseProcessed}
	tests := []struct {
		cmd     Command
		allowed []Phase
	}{
		{CmdHelo, []Phase{PhaseInit, PhaseGreeted, PhaseAuthenticated, PhaseSenderSet, PhaseRecipientsSet, PhaseProcessed}},
		{CmdStartTLS, []Phase{PhaseGreeted}},
		{CmdAuth, []Phase{PhaseGreeted}},
		{CmdMail, []Phase{PhaseGreeted, PhaseAuthenticated, PhaseProcessed}},
		{CmdRcpt, []Phase{PhaseSenderSet, PhaseRecipientsSet}},
		{CmdData, []Phase{PhaseRecipientsSet}},
		{CmdRset, []Phase{PhaseGreeted, PhaseAuthenticated, PhaseSenderSet, PhaseRecipientsSet, PhaseProcessed}},
	}

	for _, tt := range tests {
		want := make(map[Phase]bool)
		for _, p := range tt.allowed {
			want[p] = true
		}
		for _, p := range all {
			m := machine{phase: p}
			err := m.permit(tt.cmd)
			if want[p] && err != nil {
				t.Errorf("%s in %s: refused, want allowed", tt.cmd, p)
			}
			if !want[p] {
				if err == nil {
					t.Errorf("%s in %s: allowed, want 503", tt.cmd, p)
					continue
				}
				var smtpErr *smtp.SMTPError
				if !errors.As(err, &smtpErr) || smtpErr.Code != 503 {
					t.Errorf("%s in %s: got %v, want 503", tt.cmd, p, err)
				}
				if m.phase != p {
					t.Errorf("%s in %s: refusal moved phase to %s", tt.cmd, p, m.phase)
				}
			}
		}
	}
}

func TestMachineInboundTransaction(t *testing.T) {
	var m machine
	steps := []struct {
		cmd  Command
		want Phase
	}{
		{CmdHelo, PhaseGreeted},
		{CmdMail, PhaseSenderSet},
		{CmdRcpt, PhaseRecipientsSet},
		{CmdRcpt, PhaseRecipientsSet},
		{CmdData, PhaseReceivingData},
	}
	for _, s := range steps {
		if err := m.permit(s.cmd); err != nil {
			t.Fatalf("%s refused in %s: %v", s.cmd, m.phase, err)
		}
		m.advance(s.cmd)
		if m.phase != s.want {
			t.Fatalf("after %s: phase %s, want %s", s.cmd, m.phase, s.want)
		}
	}
	m.processed()
	if err := m.permit(CmdMail); err != nil {
		t.Fatalf("MAIL after DATA refused: %v", err)
	}
	if err := m.permit(CmdRcpt); err == nil {
		t.Fatal("RCPT after DATA allowed without MAIL")
	}
}

func TestMachineResetKeepsAuthentication(t *testing.T) {
	m := machine{phase: PhaseGreeted}
	m.advance(CmdAuth)
	m.advance(CmdMail)
	m.advance(CmdRcpt)
	m.reset()
	if m.phase != PhaseAuthenticated {
		t.Fatalf("reset went to %s, want authenticated", m.phase)
	}
	m.advance(CmdHelo)
	if m.phase != PhaseAuthenticated {
		t.Fatalf("re-greeting went to %s, want authenticated", m.phase)
	}
	if err := m.permit(CmdAuth); err == nil {
		t.Fatal("second AUTH allowed")
	}
}

func TestMachineStartTLS(t *testing.T) {
	m := machine{phase: PhaseGreeted}
	if err := m.permit(CmdStartTLS); err != nil {
		t.Fatalf("STARTTLS refused: %v", err)
	}
	m.advance(CmdStartTLS)
	if m.phase != PhaseInit || !m.tls {
		t.Fatalf("after STARTTLS: phase %s tls %t", m.phase, m.tls)
	}
	if err := m.permit(CmdMail); err == nil {
		t.Fatal("MAIL allowed before greeting again")
	}
	m.advance(CmdHelo)
	if err := m.permit(CmdStartTLS); err == nil {
		t.Fatal("second STARTTLS allowed")
	}

	// RSET in Init stays in Init.
	m = machine{}
	m.reset()
	if m.phase != PhaseInit {
		t.Fatalf("reset from init went to %s", m.phase)
	}
}
