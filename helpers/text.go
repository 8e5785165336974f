package helpers

import (
	"strings"

	"github.com/k3a/html2text"
)

// PlainText returns body unchanged for text/plain, and a text rendering for
// text/html. Used for auto-reply bodies configured as HTML.
func PlainText(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "<") {
		return html2text.HTML2Text(body)
	}
	return body
}
