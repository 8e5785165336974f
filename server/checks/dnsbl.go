package checks

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/migadu/smtpd/logger"
)

// DNSBL checks a client address against DNS block lists (RFC 5782).
type DNSBL struct {
	zones    []string
	resolver *net.Resolver
}

func NewDNSBL(zones []string) *DNSBL {
	return &DNSBL{zones: zones, resolver: net.DefaultResolver}
}

// Listed reports whether any zone lists ip. A zone that cannot be queried
// is skipped; the error is returned only if no zone answered.
func (b *DNSBL) Listed(ctx context.Context, ip net.IP) (bool, error) {
	var lastErr error
	answered := false
	for _, zone := range b.zones {
		_, err := b.resolver.LookupIP(ctx, "ip4", dnsblName(ip, zone))
		var dnsErr *net.DNSError
		switch {
		case err == nil:
			logger.Debug("DNSBL: address listed", "ip", ip, "zone", zone)
			return true, nil
		case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
			answered = true
		default:
			lastErr = err
		}
	}
	if !answered && lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// dnsblName builds the query name: reversed octets for IPv4, reversed
// nibbles for IPv6.
func dnsblName(ip net.IP, zone string) string {
	var b strings.Builder
	if v4 := ip.To4(); v4 != nil {
		for i := len(v4) - 1; i >= 0; i-- {
			b.WriteString(strconv.Itoa(int(v4[i])))
			b.WriteByte('.')
		}
	} else {
		const chars = "0123456789abcdef"
		ip16 := ip.To16()
		for i := len(ip16) - 1; i >= 0; i-- {
			b.WriteByte(chars[ip16[i]&0xf])
			b.WriteByte('.')
			b.WriteByte(chars[ip16[i]>>4])
			b.WriteByte('.')
		}
	}
	b.WriteString(strings.TrimSuffix(zone, "."))
	b.WriteByte('.')
	return b.String()
}
