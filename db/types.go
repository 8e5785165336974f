package db

// Action is what the policy pipeline does when a check fires.
type Action string

const (
	ActionMarkRead Action = "mark_read" // store tagged and already read
	ActionMark     Action = "mark"      // store tagged
	ActionBounce   Action = "bounce"    // refuse this recipient
	ActionDelete   Action = "delete"    // accept and drop
	ActionReject   Action = "reject"    // refuse the whole transaction
)

// CheckName identifies one of the classification checks.
type CheckName string

const (
	CheckVirus    CheckName = "virus"
	CheckPhishing CheckName = "phishing"
	CheckSPF      CheckName = "spf"
	CheckDKIM     CheckName = "dkim"
	CheckRBL      CheckName = "rbl"
	CheckSpam     CheckName = "spam"
)

type CheckSetting struct {
	Enabled bool
	Action  Action
}

type AutoReply struct {
	Subject string
	Body    string
}

// InboundPreference is everything the pipeline and the store need to know
// about one local recipient.
type InboundPreference struct {
	AccountID            int64
	Address              string
	FolderID             int64
	Checks               map[CheckName]CheckSetting
	BounceOptOut         bool
	SizeLimit            int64
	DailyRecvLimit       int64
	DailyRecvSubnetLimit int64
	Quota                int64
	Used                 int64
	Rollout              bool
	ForwardTo            string
	PublicKey            []byte
	SieveScript          string
	AutoReply            *AutoReply
}

// Check returns the setting for name; checks without a row are disabled.
func (p *InboundPreference) Check(name CheckName) CheckSetting {
	if p.Checks == nil {
		return CheckSetting{}
	}
	return p.Checks[name]
}

// OutboundPreference governs what an authenticated user may relay.
type OutboundPreference struct {
	AccountID      int64
	DailySendLimit int64
	SizeLimit      int64
	TLSRequired    bool
}

// NewMessage is the metadata row written by an accept.
type NewMessage struct {
	AccountID   int64
	FolderID    int64
	Size        int64
	Seen        bool
	Mark        string
	Encrypted   bool
	ContentHash string
	MessageID   string
	SpamToken   string
}

// MessageRef is the slice of a message row that eviction needs.
type MessageRef struct {
	ID   int64
	Size int64
}

type Usage struct {
	Used  int64
	Quota int64
}

type SpamSignature struct {
	Token          string
	AccountID      int64
	MessageID      int64
	Signature      string
	CorrectedClass string
}
