package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

// Keys whose string values never reach a log line. Caller identities and IPs are logged
// in the clear for audit.
var sensitiveKeys = map[string]struct{}{
	"signature":     {},
	"x-signature":   {},
	"seed":          {},
	"seed_hex":      {},
	"private_key":   {},
	"mnemonic":      {},
	"passphrase":    {},
	"auth_token":    {},
	"authorization": {},
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SensitiveKeys returns the masked keys, sorted.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns RedactedValue for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns an attribute whose value is always redacted when non-empty.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
