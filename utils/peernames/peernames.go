// Package peernames extracts a loggable peer name from request headers.
package peernames

import "strings"

// FromUserAgent takes the product token from a User-Agent header, capped
// at 32 characters so hostile agents cannot bloat log lines.
func FromUserAgent(userAgent string) string {
	peerName, _, _ := strings.Cut(userAgent, " ")
	if len(peerName) > 32 {
		peerName = peerName[:32]
	}
	return peerName
}
