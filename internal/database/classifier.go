package database

import (
	"regexp"
	"strings"
)

// Classifier decides whether message content is sensitive enough to be
// encrypted at rest. It errs toward encrypting: a false positive costs one
// decrypt on read, a false negative leaks plaintext to disk.
type Classifier struct {
	patterns []*regexp.Regexp
	keywords []string
}

func NewClassifier() *Classifier {
	return &Classifier{
		patterns: []*regexp.Regexp{
			// Long opaque tokens (API keys, session tokens, OAuth secrets)
			regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`),
			// Card-number-shaped digit runs
			regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
			// Private key blocks
			regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			// Email-password pairs pasted into chat
			regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[:=]\s*\S+`),
		},
		keywords: []string{
			"ssn", "social security", "credit card", "cvv",
			"seed phrase", "private key", "2fa code",
		},
	}
}

// IsSensitive reports whether plaintext should be stored encrypted.
func (c *Classifier) IsSensitive(plaintext string) bool {
	if plaintext == "" {
		return false
	}
	lower := strings.ToLower(plaintext)
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, re := range c.patterns {
		if re.MatchString(plaintext) {
			return true
		}
	}
	return false
}
