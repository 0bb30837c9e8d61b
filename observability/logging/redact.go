package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credential values in log output.
const RedactedValue = "[REDACTED]"

// Keys matching any of these fragments carry credentials: bearer tokens, the
// HMAC signing secret, admin passwords and database DSNs.
var sensitiveFragments = []string{"authorization", "token", "secret", "password", "dsn", "hmac"}

// Some keys contain a fragment but never hold a credential.
var safeKeys = map[string]bool{
	"token_subject": true,
	"reason":        true,
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if safeKeys[key] {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// MaskField builds the attribute logged for key. Sensitive non-empty values
// are replaced by RedactedValue.
func MaskField(key, value string) slog.Attr {
	if value == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

func redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString {
		return MaskField(attr.Key, attr.Value.String())
	}
	return slog.String(attr.Key, RedactedValue)
}
