package server

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/helpers"
)

// RFC 5322 dot-atom local part and an LDH domain name.
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a validated, lowercased mailbox from an SMTP path.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses a MAIL or RCPT path. Angle brackets are optional.
func NewAddress(address string) (Address, error) {
	input := strings.ToLower(helpers.StripAngles(address))
	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	localPart, domain, err := helpers.SplitEmailAddress(input)
	if err != nil {
		return Address{}, err
	}
	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plus := strings.IndexByte(localPart, '+'); plus != -1 {
		detail = localPart[plus+1:]
	}
	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the detail (everything before the "+")
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress returns the address without the detail part (e.g., "user@domain.com" from "user+detail@domain.com")
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}

// IsAdministrative reports whether the local part is one of the role
// accounts that may bypass quota backpressure from a trusted relay.
func (a Address) IsAdministrative() bool {
	return slices.Contains(consts.AdministrativeLocalParts, a.BaseLocalPart())
}
