package signal

import "strings"

// NormalizeStreamID ensures consistent formatting (lowercase, trimmed).
func NormalizeStreamID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidateStreamID checks that a stream id is non-empty, at most 64
// characters and limited to letters, digits, '-' and '_'. Stream ids
// become directory names under the output root, so the charset is strict.
func ValidateStreamID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
