package checks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/smtpd/helpers"
	"github.com/migadu/smtpd/server/policy"
	"github.com/redis/go-redis/v9"
)

// Spam classes a user can correct a verdict to.
const (
	ClassSpam = "spam"
	ClassHam  = "ham"
)

const correctionTTL = 90 * 24 * time.Hour

// HeaderSpamFilter trusts the verdict an upstream filter left in a header
// ("X-Spam-Flag: YES" or a score header) and lets each account override
// it for a given message signature through corrections.
type HeaderSpamFilter struct {
	header    string
	threshold float64
	client    redis.Cmdable
}

// NewHeaderSpamFilter reads header, which is either a flag header carrying
// YES/NO or a numeric score compared against threshold. client may be nil,
// which disables corrections.
func NewHeaderSpamFilter(header string, threshold float64, client redis.Cmdable) *HeaderSpamFilter {
	if header == "" {
		header = "X-Spam-Flag"
	}
	return &HeaderSpamFilter{header: header, threshold: threshold, client: client}
}

func correctionKey(accountID int64, signature string) string {
	return fmt.Sprintf("spamclass:%d:%s", accountID, signature)
}

func (f *HeaderSpamFilter) CheckSpam(ctx context.Context, accountID int64, raw []byte) (policy.SpamVerdict, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return policy.SpamVerdict{}, err
	}
	signature := spamSignature(h)
	verdict := policy.SpamVerdict{Signature: signature, Spam: f.flagged(h)}

	if f.client != nil {
		class, err := f.client.Get(ctx, correctionKey(accountID, signature)).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return verdict, fmt.Errorf("failed to read spam correction: %w", err)
		default:
			verdict.Spam = class == ClassSpam
		}
	}
	return verdict, nil
}

// Train records a user's correction for a signature.
func (f *HeaderSpamFilter) Train(ctx context.Context, accountID int64, signature, class string) error {
	if class != ClassSpam && class != ClassHam {
		return fmt.Errorf("unknown spam class %q", class)
	}
	if f.client == nil {
		return nil
	}
	return f.client.Set(ctx, correctionKey(accountID, signature), class, correctionTTL).Err()
}

func (f *HeaderSpamFilter) flagged(h textproto.Header) bool {
	v := strings.TrimSpace(h.Get(f.header))
	if v == "" {
		return false
	}
	if score, err := strconv.ParseFloat(strings.Fields(v)[0], 64); err == nil {
		return f.threshold > 0 && score >= f.threshold
	}
	return strings.HasPrefix(strings.ToUpper(v), "YES")
}

// spamSignature identifies a message by sender and subject so that a
// correction also applies to the next copy of the same campaign.
func spamSignature(h textproto.Header) string {
	from := strings.ToLower(strings.TrimSpace(h.Get("From")))
	subject := helpers.BaseSubject(h.Get("Subject"))
	return helpers.HashContent([]byte(from + "\x00" + subject))[:32]
}
