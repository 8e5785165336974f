package helpers

import (
	"fmt"
	"strings"
)

// SplitEmailAddress lowercases an address and splits it at the last "@".
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid address %q", email)
	}
	return email[:at], email[at+1:], nil
}

// StripAngles removes the angle brackets of an SMTP path, if present.
func StripAngles(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "<") && strings.HasSuffix(path, ">") {
		return path[1 : len(path)-1]
	}
	return path
}
