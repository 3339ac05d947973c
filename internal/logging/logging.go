// Package logging sanitizes structured log output so that secrets never
// reach a log sink and identities appear only as per-process fingerprints.
package logging

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	fingerprintKeys = map[string]struct{}{
		"identity":   {},
		"identities": {},
		"initiator":  {},
		"member":     {},
		"members":    {},
		"group_id":   {},
		"card_id":    {},
	}
	sensitiveKeyParts = []string{"token", "secret", "password", "passphrase", "authorization", "private_key", "seed", "mnemonic"}
)

// SanitizingHandler wraps another handler and rewrites attributes before
// they are handled.
type SanitizingHandler struct {
	next slog.Handler
}

// WrapHandler returns next wrapped in a SanitizingHandler.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if _, ok := next.(*SanitizingHandler); ok {
		return next
	}
	return &SanitizingHandler{next: next}
}

// New returns a logger writing through a sanitizing wrapper of l's handler.
// A nil logger yields one that discards everything.
func New(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(WrapHandler(l.Handler()))
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(sanitized)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts sensitive attributes and fingerprints identities.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)

	if isSensitiveKey(lower) {
		return slog.String(key, redactedValue)
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return slog.Any(key+"_fp", fingerprintValue(attr.Value))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		out := make([]any, 0, len(group))
		for _, a := range group {
			out = append(out, SanitizeAttr(a))
		}
		return slog.Group(key, out...)
	}
	return attr
}

// Fingerprint returns a stable, per-process pseudonym for value.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func fingerprintValue(v slog.Value) any {
	v = v.Resolve()
	if v.Kind() == slog.KindAny {
		if list, ok := v.Any().([]string); ok {
			out := make([]string, len(list))
			for i, s := range list {
				out[i] = Fingerprint(s)
			}
			return out
		}
	}
	if v.Kind() == slog.KindString {
		return Fingerprint(v.String())
	}
	return Fingerprint(fmt.Sprint(v.Any()))
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
