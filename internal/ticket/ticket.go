// Package ticket extracts and formats the conversation token that binds an
// email to a Deal or a Request.
//
// A ticket travels inside a bracketed marker, for example "[ticket:A1B2C3]".
// The keyword is matched case-insensitively; the token itself is returned as written.
package ticket

import (
	"regexp"
	"strings"
)

// SearchKey is the marker prefix used to pre-filter messages on the mail server.
const SearchKey = "[ticket:"

var markerPattern = regexp.MustCompile(`(?i)\[ticket:\s*([A-Za-z0-9_-]{4,64})\s*\]`)

// Extract returns the first ticket found in subject, then in body.
func Extract(subject, body string) (string, bool) {
	if t, ok := find(subject); ok {
		return t, true
	}
	return find(body)
}

func find(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	m := markerPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Marker formats a ticket as it should appear in an outgoing subject.
func Marker(token string) string {
	return SearchKey + strings.TrimSpace(token) + "]"
}
