package shared

import (
	"errors"
	"strings"
	"testing"
)

func TestLooksLikePIN(t *testing.T) {
	cases := map[string]bool{
		"1234":           true,
		"  9876 ":        true,
		"pin 4321":       true,
		"PIN: 0000":      true,
		"12345":          false,
		"stake 1234":     false,
		"confirm":        false,
		"my pin is 1111": false,
	}
	for text, want := range cases {
		if got := LooksLikePIN(text); got != want {
			t.Errorf("LooksLikePIN(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("1234"); got != redactedPlaceholder {
		t.Fatalf("expected bare PIN to be redacted, got %q", got)
	}

	got := Redact("ok my pin is 1111 thanks")
	if strings.Contains(got, "1111") {
		t.Fatalf("expected labeled PIN to be redacted, got %q", got)
	}
	if !strings.Contains(got, "pin is [REDACTED]") {
		t.Fatalf("expected label to survive redaction, got %q", got)
	}

	key := "private key: 0x" + strings.Repeat("ab", 32)
	if got := Redact(key); strings.Contains(got, "abab") {
		t.Fatalf("expected private key to be redacted, got %q", got)
	}

	if got := Redact("stake 12.5 STRK"); got != "stake 12.5 STRK" {
		t.Fatalf("expected plain text untouched, got %q", got)
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	if IsSQLiteConflictError(nil) {
		t.Fatal("nil must not be a conflict")
	}
	if !IsSQLiteConflictError(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("expected busy error to be a conflict")
	}
	if IsSQLiteConflictError(errors.New("constraint failed")) {
		t.Fatal("constraint errors are not conflicts")
	}
}

func TestIsValidPIN(t *testing.T) {
	for _, ok := range []string{"0000", "1234"} {
		if !IsValidPIN(ok) {
			t.Errorf("IsValidPIN(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "123", "12345", "12a4", " 1234", "١٢٣٤"} {
		if IsValidPIN(bad) {
			t.Errorf("IsValidPIN(%q) = true", bad)
		}
	}
}
