// Package security provides masking of credentials before they reach logs or output.
package security

import (
	"regexp"
	"strings"
)

// sensitivePatterns matches key=value and key: value pairs carrying secrets,
// including query strings such as the Kite ticker URL.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|request[_-]?token|enctoken|password)([=:]\s*)["']?([^\s"'&,}]+)["']?`),
}

// MaskCredential masks a credential, keeping a short prefix and suffix for
// identification.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskString masks every secret-looking key/value pair inside s.
func MaskString(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			if len(parts) != 4 {
				return match
			}
			return parts[1] + parts[2] + MaskCredential(parts[3])
		})
	}
	return s
}
