package util

import (
	"strings"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Ann@X.com "); got != "ann@x.com" {
		t.Fatalf("expected ann@x.com, got %q", got)
	}
}

func TestLocalPart(t *testing.T) {
	cases := map[string]string{
		"ann@x.com": "ann",
		"noat":      "noat",
		"@x.com":    "@x.com",
	}
	for in, want := range cases {
		if got := LocalPart(in); got != want {
			t.Fatalf("LocalPart(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewIDPrefixedAndUnique(t *testing.T) {
	a, b := NewID("msg"), NewID("msg")
	if !strings.HasPrefix(a, "msg_") {
		t.Fatalf("expected msg_ prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Hi {name}, ref {ref} {missing}", map[string]string{"name": "Ann", "ref": "R1"})
	if got != "Hi Ann, ref R1 {missing}" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("expected untouched, got %q", got)
	}
	if got := Truncate("héllo world", 5); got != "héllo…" {
		t.Fatalf("expected rune-safe cut, got %q", got)
	}
}
