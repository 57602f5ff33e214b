package utils

import "strings"

// SanitizeIdentifier makes an identifier safe to embed in a filesystem path
// (socket files, log files). Descriptor validation already rejects unsafe
// agent names at the front door; this guards paths derived from identifiers
// that arrive by other routes, such as a hand-edited registry file or a
// model identifier like "claude-sonnet:001".
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}
