package smtpd

import (
	"github.com/emersion/go-smtp"
)

// Phase is where a session stands in the SMTP dialogue.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseGreeted
	PhaseAuthenticated
	PhaseSenderSet
	PhaseRecipientsSet
	PhaseReceivingData
	PhaseProcessed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseGreeted:
		return "greeted"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseSenderSet:
		return "sender_set"
	case PhaseRecipientsSet:
		return "recipients_set"
	case PhaseReceivingData:
		return "receiving_data"
	case PhaseProcessed:
		return "processed"
	}
	return "unknown"
}

// Command is an SMTP verb the session reacts to. NOOP and QUIT never
// change the phase and are answered by the protocol layer.
type Command string

const (
	CmdHelo     Command = "HELO"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdRset     Command = "RSET"
)

type phaseSet map[Phase]struct{}

func phases(ps ...Phase) phaseSet {
	s := make(phaseSet, len(ps))
	for _, p := range ps {
		s[p] = struct{}{}
	}
	return s
}

// allowed is the dispatch table: the phases in which a command may be
// issued.
var allowed = map[Command]phaseSet{
	CmdHelo:     phases(PhaseInit, PhaseGreeted, PhaseAuthenticated, PhaseSenderSet, PhaseRecipientsSet, PhaseProcessed),
	CmdStartTLS: phases(PhaseGreeted),
	CmdAuth:     phases(PhaseGreeted),
	CmdMail:     phases(PhaseGreeted, PhaseAuthenticated, PhaseProcessed),
	CmdRcpt:     phases(PhaseSenderSet, PhaseRecipientsSet),
	CmdData:     phases(PhaseRecipientsSet),
	CmdRset:     phases(PhaseGreeted, PhaseAuthenticated, PhaseSenderSet, PhaseRecipientsSet, PhaseProcessed),
}

var errBadSequence = &smtp.SMTPError{
	Code:         503,
	EnhancedCode: smtp.EnhancedCode{5, 5, 1},
	Message:      "Bad sequence of commands",
}

// machine tracks the phase of one connection. It is only touched from the
// connection's own goroutine.
type machine struct {
	phase  Phase
	authed bool
	tls    bool
}

// permit reports whether cmd may run now. A refused command leaves the
// phase untouched.
func (m *machine) permit(cmd Command) error {
	if _, ok := allowed[cmd][m.phase]; !ok {
		return errBadSequence
	}
	if cmd == CmdStartTLS && (m.tls || m.authed) {
		return errBadSequence
	}
	if cmd == CmdAuth && m.authed {
		return errBadSequence
	}
	return nil
}

// baseline is the phase a finished or reset transaction returns to.
func (m *machine) baseline() Phase {
	if m.authed {
		return PhaseAuthenticated
	}
	return PhaseGreeted
}

// advance applies cmd after its handler succeeded.
func (m *machine) advance(cmd Command) {
	switch cmd {
	case CmdHelo, CmdRset:
		m.phase = m.baseline()
	case CmdStartTLS:
		// The client must greet again over the secured channel.
		m.tls = true
		m.phase = PhaseInit
	case CmdAuth:
		m.authed = true
		m.phase = PhaseAuthenticated
	case CmdMail:
		m.phase = PhaseSenderSet
	case CmdRcpt:
		m.phase = PhaseRecipientsSet
	case CmdData:
		m.phase = PhaseReceivingData
	}
}

// processed marks the end of DATA handling; the next command sees the
// baseline again.
func (m *machine) processed() {
	m.phase = PhaseProcessed
}

func (m *machine) reset() {
	if m.phase != PhaseInit {
		m.phase = m.baseline()
	}
}
