package consts

const (
	// DefaultFolder receives inbound mail when no folder is configured.
	DefaultFolder = "INBOX"

	// NullSender is the envelope sender of bounces and other notices.
	NullSender = ""

	// MailerDaemon is the local part used for generated notices.
	MailerDaemon = "MAILER-DAEMON"
)

// AdministrativeLocalParts are sender local parts that may bypass quota
// backpressure when they arrive through a trusted relay.
var AdministrativeLocalParts = []string{
	"postmaster",
	"abuse",
	"mailer-daemon",
	"hostmaster",
	"root",
}
