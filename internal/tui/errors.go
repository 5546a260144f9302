package tui

import "strings"

// humanError extracts the innermost error message from a wrapped chain.
// "GET /api/operations: dial tcp: connection refused" → "Connection refused"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		if len(inner) > 0 {
			inner = strings.ToUpper(inner[:1]) + inner[1:]
		}
		return inner
	}
	return msg
}

// HumanError is humanError for callers outside the package.
func HumanError(err error) string {
	return humanError(err)
}
