package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(base), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json.Unmarshal() error = %v (%s)", err, buf.String())
	}
	return out
}

func TestSanitizingHandler_RedactsSecrets(t *testing.T) {
	logger, buf := captureLogger()

	logger.Info("renewed", "access_token", "eyJ...", "password", "hunter2", "authToken", "abc")
	rec := decode(t, buf)

	for _, key := range []string{"access_token", "password", "authToken"} {
		if rec[key] != redactedValue {
			t.Errorf("%s = %v, want %s", key, rec[key], redactedValue)
		}
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Error("password leaked into log output")
	}
}

func TestSanitizingHandler_FingerprintsIdentities(t *testing.T) {
	logger, buf := captureLogger()

	logger.Info("published", "identity", "alice@example.com", "count", 3)
	rec := decode(t, buf)

	if _, ok := rec["identity"]; ok {
		t.Error("plain identity should not be logged")
	}
	fp, _ := rec["identity_fp"].(string)
	if fp != Fingerprint("alice@example.com") || !strings.HasPrefix(fp, "fp_") {
		t.Errorf("identity_fp = %q", fp)
	}
	if rec["count"] != float64(3) {
		t.Errorf("count = %v, want 3", rec["count"])
	}
}

func TestSanitizingHandler_FingerprintsIdentityLists(t *testing.T) {
	logger, buf := captureLogger()

	logger.Info("lookup", "identities", []string{"bob", "carol"})
	if strings.Contains(buf.String(), "carol") {
		t.Errorf("identity list leaked: %s", buf.String())
	}
}

func TestSanitizingHandler_WithAttrsAndGroups(t *testing.T) {
	logger, buf := captureLogger()

	logger.With("identity", "alice").WithGroup("req").Info("x", slog.Group("auth", "secret", "s3"))
	out := buf.String()
	if strings.Contains(out, `"alice"`) || strings.Contains(out, "s3") {
		t.Errorf("sanitization skipped: %s", out)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("  ") != "" {
		t.Error("blank values should fingerprint to empty")
	}
	if Fingerprint("a") == Fingerprint("b") {
		t.Error("different values should differ")
	}
	if Fingerprint("a") != Fingerprint(" a ") {
		t.Error("surrounding whitespace should be ignored")
	}
}

func TestWrapHandler_Idempotent(t *testing.T) {
	h := WrapHandler(slog.DiscardHandler)
	if WrapHandler(h) != h {
		t.Error("wrapping twice should return the same handler")
	}
	if WrapHandler(nil) != nil {
		t.Error("nil handler should stay nil")
	}
	if New(nil) == nil {
		t.Error("New(nil) should return a discard logger")
	}
}
