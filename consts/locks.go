package consts

// MailboxLockNamespace is mixed into every mailbox advisory lock key so the
// keys cannot collide with locks taken by other applications sharing the
// database.
const MailboxLockNamespace = 42734581
