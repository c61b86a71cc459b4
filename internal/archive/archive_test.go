package archive

import (
	"strings"
	"testing"
)

func TestSanitizeTag_StripsControlChars(t *testing.T) {
	got := SanitizeTag("abc\x00def\x1fghi")
	if got != "abcdefghi" {
		t.Fatalf("SanitizeTag() = %q, want %q", got, "abcdefghi")
	}
}

func TestSanitizeTag_StripsC1Controls(t *testing.T) {
	got := SanitizeTag("abcdef")
	if got != "abcdef" {
		t.Fatalf("SanitizeTag() = %q, want %q", got, "abcdef")
	}
}

func TestSanitizeTag_EmptyFallsBackToUnknown(t *testing.T) {
	if got := SanitizeTag(""); got != "unknown" {
		t.Fatalf("SanitizeTag(\"\") = %q, want unknown", got)
	}
	if got := SanitizeTag("\x00\x01\x02"); got != "unknown" {
		t.Fatalf("SanitizeTag of only control chars = %q, want unknown", got)
	}
}

func TestSanitizeTag_TruncatesAtMaxBytes(t *testing.T) {
	long := strings.Repeat("a", maxTagBytes+100)
	got := SanitizeTag(long)
	if len(got) != maxTagBytes {
		t.Fatalf("len(SanitizeTag(long)) = %d, want %d", len(got), maxTagBytes)
	}
}

func TestSanitizeTag_ShortValueUnchanged(t *testing.T) {
	if got := SanitizeTag("Package-Uuid"); got != "Package-Uuid" {
		t.Fatalf("SanitizeTag() = %q, want unchanged", got)
	}
}
