package platform

import "testing"

func TestFormatAndParseThreadNameRoundTrip(t *testing.T) {
	name := FormatThreadName(DefaultThreadNameFormat, "demo-session", "builder-1")
	if name != "[agent] demo-session - builder-1" {
		t.Fatalf("unexpected format: %q", name)
	}
	session, ok := ParseThreadName(DefaultThreadNameFormat, name)
	if !ok || session != "demo-session" {
		t.Fatalf("ParseThreadName = %q, %v", session, ok)
	}
}

func TestParseThreadNameLegacyFallback(t *testing.T) {
	session, ok := ParseThreadName(DefaultThreadNameFormat, "[agent] legacy-name")
	if !ok || session != "legacy-name" {
		t.Fatalf("legacy fallback failed: %q, %v", session, ok)
	}
}

func TestParseThreadNameNoMatch(t *testing.T) {
	if _, ok := ParseThreadName(DefaultThreadNameFormat, "random text"); ok {
		t.Fatal("expected no match")
	}
}

func TestTruncateMessage(t *testing.T) {
	long := make([]byte, MaxMessageBytes+500)
	for i := range long {
		long[i] = 'x'
	}
	out := TruncateMessage(string(long), MaxMessageBytes)
	if len(out) > MaxMessageBytes {
		t.Fatalf("truncated length %d exceeds limit %d", len(out), MaxMessageBytes)
	}
	short := "hello"
	if TruncateMessage(short, MaxMessageBytes) != short {
		t.Fatal("short content should be unchanged")
	}
}
