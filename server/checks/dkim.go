package checks

import (
	"bytes"
	"context"
	"net"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/migadu/smtpd/server/policy"
)

type DKIM struct {
	resolver *net.Resolver
}

func NewDKIM() *DKIM {
	return &DKIM{resolver: net.DefaultResolver}
}

// VerifyDKIM passes if any signature verifies and fails only if every
// signature fails permanently. Unsigned mail and temporary lookup
// failures do not classify.
func (d *DKIM) VerifyDKIM(ctx context.Context, raw []byte) (policy.DKIMResult, error) {
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return d.resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return policy.DKIMNone, err
	}
	return dkimResult(verifications), nil
}

func dkimResult(verifications []*dkim.Verification) policy.DKIMResult {
	if len(verifications) == 0 {
		return policy.DKIMNone
	}
	permanent := 0
	for _, v := range verifications {
		if v.Err == nil {
			return policy.DKIMValid
		}
		if dkim.IsPermFail(v.Err) {
			permanent++
		}
	}
	if permanent == len(verifications) {
		return policy.DKIMInvalid
	}
	return policy.DKIMNone
}
