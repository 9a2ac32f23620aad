package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected string
	}{
		{"empty", "", ""},
		{"short token fully masked", "abc", "***"},
		{"normal token keeps last four", "mfa.secrettoken1234", "***************1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskToken(tt.token))
		})
	}
}

func TestMaskIdentifier(t *testing.T) {
	assert.Equal(t, "", MaskIdentifier(""))
	assert.Equal(t, "*******", MaskIdentifier("chat123"))
	assert.Equal(t, "11***********7890", MaskIdentifier("11223344556677890"))

	masked := MaskIdentifier("channel-9876543210")
	assert.NotContains(t, masked[2:len(masked)-4], "6543")
}
