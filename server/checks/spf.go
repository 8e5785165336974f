package checks

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"
	"github.com/migadu/smtpd/server/policy"
)

// SPF evaluates the sender policy of the MAIL FROM domain, falling back
// to the HELO name for the null sender.
type SPF struct{}

func NewSPF() *SPF { return &SPF{} }

func (s *SPF) CheckSPF(ctx context.Context, ip net.IP, helo, sender string) (policy.SPFResult, error) {
	if sender == "" {
		sender = "postmaster@" + helo
	}
	result, _ := spf.CheckHostWithSender(ip, helo, sender, spf.WithContext(ctx))
	switch result {
	case spf.Pass:
		return policy.SPFPass, nil
	case spf.Fail:
		return policy.SPFFail, nil
	case spf.TempError, spf.PermError:
		return policy.SPFError, nil
	default:
		// none, neutral and softfail do not classify
		return policy.SPFNone, nil
	}
}
