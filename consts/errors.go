package consts

import "errors"

var (
	ErrFolderNotFound   = errors.New("folder not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrInternalError    = errors.New("internal error")
	ErrNotPermitted     = errors.New("operation not permitted")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidPassword  = errors.New("invalid password")

	ErrDBNotFound                = errors.New("not found")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrMailboxLocked      = errors.New("mailbox locked")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrRolloutIncomplete  = errors.New("rollout could not free enough space")
	ErrBlobWriteFailed    = errors.New("blob write failed")
	ErrBlobNotFound       = errors.New("blob not found")
	ErrBlobCorrupt        = errors.New("blob header corrupt")
	ErrDecryptFailed      = errors.New("blob decryption failed")
	ErrSignatureNotFound  = errors.New("spam signature not found")
	ErrRelayNotConfigured = errors.New("relay not configured")
)
