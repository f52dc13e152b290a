package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret material in log lines.
const RedactedValue = "[REDACTED]"

// Keys emitted verbatim by MaskField. Anything else is treated as sensitive.
var allowlist = map[string]struct{}{
	"service":    {},
	"env":        {},
	"message":    {},
	"severity":   {},
	"timestamp":  {},
	"error":      {},
	"reason":     {},
	"chain":      {},
	"kind":       {},
	"tx_id":      {},
	"state":      {},
	"operator":   {},
	"recipients": {},
	"total":      {},
}

// IsAllowlisted reports whether key may be logged without masking.
func IsAllowlisted(key string) bool {
	_, ok := allowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField masks value unless key is allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Custody logs the scheme of a custody reference ("env", "file", "keystore")
// and hides where the key material lives.
func Custody(ref string) slog.Attr {
	scheme, locator, found := strings.Cut(strings.TrimSpace(ref), ":")
	if !found || locator == "" {
		return slog.String("custody", RedactedValue)
	}
	return slog.String("custody", scheme+":"+RedactedValue)
}

// Recipient shortens an address or invoice so operators can still correlate
// log lines with a payout without copying the full destination.
func Recipient(key, address string) slog.Attr {
	address = strings.TrimSpace(address)
	const head, tail = 8, 6
	if len(address) <= head+tail {
		return slog.String(key, address)
	}
	return slog.String(key, address[:head]+"..."+address[len(address)-tail:])
}
