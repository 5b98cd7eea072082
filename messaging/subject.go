package messaging

import "strings"

// InboxPrefix starts every private reply subject
const InboxPrefix = "_INBOX."

// IsInbox reports whether subject is a private reply subject
func IsInbox(subject string) bool {
	return strings.HasPrefix(subject, InboxPrefix)
}

// MatchSubject reports whether subject matches pattern. Tokens are separated by '.';
// '*' matches exactly one token and a trailing '>' matches one or more tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, p := range pTokens {
		if p == ">" {
			return i == len(pTokens)-1 && len(sTokens) > i
		}
		if i >= len(sTokens) {
			return false
		}
		if p != "*" && p != sTokens[i] {
			return false
		}
	}

	return len(pTokens) == len(sTokens)
}

// ValidSubject reports whether subject can be published or subscribed to
func ValidSubject(subject string) bool {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return false
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return false
		}
	}
	return true
}
