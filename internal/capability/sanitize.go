package capability

import "strings"

// SanitizeID maps a tenant session id onto the character set accepted for
// on-disk auth directories: ASCII letters, digits, '_' and '-'. Every other
// rune becomes '_'.
func SanitizeID(sessionID string) string {
	var b strings.Builder
	b.Grow(len(sessionID))
	for _, r := range strings.TrimSpace(sessionID) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
