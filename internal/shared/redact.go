package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

var (
	strictPIN = regexp.MustCompile(`^\d{4}$`)

	// pinPattern matches a bare 4-digit PIN, alone or after a pin-like label.
	pinPattern      = regexp.MustCompile(`^\s*(?:(?i:pin|code|passcode)\s*(?:is|:|=)?\s*)?\d{4}\s*$`)
	labeledPinRegex = regexp.MustCompile(`(?i)\b(pin|passcode)(\s*(?:is|:|=)?\s*)\d{4}\b`)

	secretPatterns = []*regexp.Regexp{
		// Private keys: 64 hex chars after a key-like label.
		regexp.MustCompile(`(?i)(private[_ -]?key|secret[_ -]?key|pk)(\s*(?:is|:|=)?\s*)(0x)?[0-9a-f]{64}`),
		// API keys and bearer tokens.
		regexp.MustCompile(`(?i)(api[_-]?key|auth[_-]?token|bearer)(\s*[:=]?\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`),
	}
)

// IsValidPIN reports whether pin is exactly four ASCII digits.
func IsValidPIN(pin string) bool {
	return strictPIN.MatchString(pin)
}

// LooksLikePIN reports whether a chat text is a PIN typed in the clear.
func LooksLikePIN(text string) bool {
	return pinPattern.MatchString(text)
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
// Whole-message PINs are replaced entirely.
func Redact(input string) string {
	if input == "" {
		return input
	}
	if LooksLikePIN(input) {
		return redactedPlaceholder
	}
	result := labeledPinRegex.ReplaceAllString(input, "${1}${2}"+redactedPlaceholder)
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllString(result, "${1}${2}"+redactedPlaceholder)
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"token", "secret", "password", "api_key", "pin"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
