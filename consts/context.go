package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// SessionIDKey carries the SMTP session id into lower layers so their
	// log lines can be correlated with the session.
	SessionIDKey = ContextKey("session_id")
)
