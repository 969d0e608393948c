package logger

import (
	"log/slog"
	"regexp"
)

// secretPattern matches a bare 32-byte hex string with or without the 0x
// prefix. Transaction hashes have the same shape, so attributes whose key ends
// in "hash" or "tx" are let through.
var secretPattern = regexp.MustCompile(`(?i)\b(0x)?[0-9a-f]{64}\b`)

const redacted = "[REDACTED]"

// Redact replaces anything shaped like a raw private key in s.
func Redact(s string) string {
	return secretPattern.ReplaceAllString(s, redacted)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if isHashKey(a.Key) {
		return a
	}
	v := a.Value.String()
	if secretPattern.MatchString(v) {
		return slog.String(a.Key, Redact(v))
	}
	return a
}

func isHashKey(key string) bool {
	n := len(key)
	switch {
	case n >= 4 && key[n-4:] == "hash":
		return true
	case n >= 2 && key[n-2:] == "tx":
		return true
	}
	return false
}
