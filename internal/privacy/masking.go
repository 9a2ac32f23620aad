package privacy

import "strings"

// MaskToken masks a platform credential showing only the last 4 characters.
// Example: "mfa.abcdefghijklmnop1234" -> "*******************1234"
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

// MaskIdentifier masks a chat or user ID to show structure while hiding most
// of the value. IDs shorter than 8 characters are masked entirely.
func MaskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	if len(id) < 8 {
		return strings.Repeat("*", len(id))
	}
	return id[:2] + strings.Repeat("*", len(id)-6) + id[len(id)-4:]
}
