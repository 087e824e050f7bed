// Package guard is the security layer in front of every outbound
// request the service makes on a caller's behalf: it sanitizes
// caller-supplied headers destined for target sites and blocks webhook
// and target URLs that point into private network space.
package guard

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	maxHeaderCount    = 50
	maxHeaderNameLen  = 100
	maxHeaderValueLen = 8192
	maxUserAgentLen   = 500
	maxRefererLen     = 2000
)

// forbiddenHeaders are never forwarded to target sites, regardless of
// value. Covers auth material, connection control, request smuggling
// vectors and proxy/CDN trust headers.
var forbiddenHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"host":                true,
	"origin":              true,
	"referer-policy":      true,
	"content-length":      true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"te":                  true,
	"trailer":             true,
	"expect":              true,
	"access-control-allow-origin":      true,
	"access-control-allow-credentials": true,
	"access-control-allow-methods":     true,
	"access-control-allow-headers":     true,
	"x-forwarded-for":                  true,
	"x-forwarded-host":                 true,
	"x-forwarded-proto":                true,
	"x-real-ip":                        true,
	"forwarded":                        true,
	"via":                              true,
	"cf-connecting-ip":                 true,
	"cf-ipcountry":                     true,
	"cf-ray":                           true,
	"cf-visitor":                       true,
	"true-client-ip":                   true,
}

var (
	headerNameRe     = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
	printableASCIIRe = regexp.MustCompile(`^[\x20-\x7e]+$`)
	acceptValueRe    = regexp.MustCompile(`^[a-zA-Z0-9\s,;=+*/.\-]+$`)
	langValueRe      = regexp.MustCompile(`^[a-zA-Z0-9\s,;=.\-*]+$`)
	encodingValueRe  = regexp.MustCompile(`^[a-zA-Z0-9\s,;=.\-*]+$`)
)

// DefaultHeaders is the safe header set used when a caller-supplied
// set fails sanitization.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"DNT":             "1",
	}
}

// SanitizeHeaders validates a caller-supplied header map destined for
// the target site. Sanitization never fails a request: on any
// violation the entire custom set is discarded and the default set is
// returned instead. Partial application would let a crafted map smuggle
// one bad header behind fifty good ones.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return DefaultHeaders()
	}
	if len(headers) > maxHeaderCount {
		return DefaultHeaders()
	}

	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if !headerAllowed(name, value) {
			return DefaultHeaders()
		}
		out[name] = value
	}
	return out
}

func headerAllowed(name, value string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" || value == "" {
		return false
	}
	if forbiddenHeaders[lower] {
		return false
	}
	if len(name) > maxHeaderNameLen || len(value) > maxHeaderValueLen {
		return false
	}
	if !headerNameRe.MatchString(name) {
		return false
	}
	// Header values must never contain CR/LF; injection there splits
	// the outbound request.
	if strings.ContainsAny(value, "\r\n\x00") {
		return false
	}

	// Commonly spoofed headers get stricter per-header rules.
	switch lower {
	case "user-agent":
		return len(value) <= maxUserAgentLen && printableASCIIRe.MatchString(value)
	case "referer":
		if len(value) > maxRefererLen {
			return false
		}
		u, err := url.Parse(value)
		return err == nil && u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https")
	case "accept":
		return acceptValueRe.MatchString(value)
	case "accept-language":
		return langValueRe.MatchString(value)
	case "accept-encoding":
		return encodingValueRe.MatchString(value)
	}

	return true
}
