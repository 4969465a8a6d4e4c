package ratelimit

import "strings"

const unknownIdentifier = "unknown"

// RequestInfo carries the proxy headers needed to attribute a request to a
// client address. The HTTP layer fills it from the real request.
type RequestInfo struct {
	ForwardedFor string
	RealIP       string
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then
// "unknown".
func ClientIP(info RequestInfo) string {
	if info.ForwardedFor != "" {
		first, _, _ := strings.Cut(info.ForwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(info.RealIP); ip != "" {
		return ip
	}
	return unknownIdentifier
}
