package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credential material in log output.
const RedactedValue = "[REDACTED]"

// sensitiveFragments mark attribute keys whose values are never logged. Keys
// are matched case-insensitively on substring so "hmacSecret" and
// "access_token" are both caught.
var sensitiveFragments = []string{
	"authorization",
	"token",
	"secret",
	"password",
	"passphrase",
	"dsn",
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskField builds a string attribute, masking the value when the key is
// sensitive. Empty values pass through so absent credentials stay visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redact is applied by NewHandler to every attribute, so sensitive keys are
// masked even when a caller forgets MaskField.
func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
