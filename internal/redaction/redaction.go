// Package redaction scrubs credential-shaped values out of log fields
// before they reach the logging sink. The agent carries device identity
// keys, registrar bearer tokens, and STS credentials (spec §4.10, §4.11)
// through the same logger every other subsystem uses, so redaction lives
// at the logging boundary rather than in each caller.
package redaction

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

// blockedFieldNames marks whole log fields to redact outright rather than
// pattern-matching their value (certificate/key material isn't always
// shaped like key=value text).
var blockedFieldNames = []string{
	"password", "secret", "token", "apikey", "api_key",
	"private_key", "privatekey", "credential", "certificate", "cert_pem",
}

const redactionText = "***REDACTED***"

// String scrubs secret-shaped substrings out of s.
func String(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+redactionText)
	}
	return result
}

// IsSecretField reports whether a field name looks like it carries
// credential material and should be redacted wholesale.
func IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, blocked := range blockedFieldNames {
		if strings.Contains(lower, blocked) {
			return true
		}
	}
	return false
}

// Value redacts a single field value given its field name: secret-named
// fields are replaced outright, string values otherwise get substring
// scrubbing, everything else passes through unchanged.
func Value(name string, value interface{}) interface{} {
	if IsSecretField(name) {
		return redactionText
	}
	if s, ok := value.(string); ok {
		return String(s)
	}
	return value
}
