package helpers

import "strings"

var replyPrefixes = []string{"RE:", "FWD:", "FW:", "AW:", "AUTO:"}

// BaseSubject strips any stack of reply/forward prefixes ("Re:", "Fwd:",
// "Re[2]:") so generated replies do not grow "Re: Re: Re:" chains.
func BaseSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := stripPrefix(s)
		if stripped == s {
			return s
		}
		s = stripped
	}
}

func stripPrefix(s string) string {
	upper := strings.ToUpper(s)
	for _, p := range replyPrefixes {
		if strings.HasPrefix(upper, p) {
			return strings.TrimSpace(s[len(p):])
		}
	}
	// Re[2]: and Re(2):
	if strings.HasPrefix(upper, "RE[") || strings.HasPrefix(upper, "RE(") {
		closing := byte(']')
		if upper[2] == '(' {
			closing = ')'
		}
		if end := strings.IndexByte(upper[3:], closing); end >= 0 {
			after := s[3+end+1:]
			if strings.HasPrefix(after, ":") {
				return strings.TrimSpace(after[1:])
			}
		}
	}
	return s
}

// ReplySubject builds the subject of an automatic reply.
func ReplySubject(prefix, original string) string {
	base := BaseSubject(original)
	if base == "" {
		return strings.TrimSuffix(prefix, " ")
	}
	return prefix + base
}
