package cryptoutil

import (
	"strings"
	"testing"
)

func TestCIDFromSHA256Hex_MatchesDirectHash(t *testing.T) {
	data := []byte("capsium")
	direct := CIDv1RawSHA256(data)
	if !strings.HasPrefix(direct, "bafk") {
		t.Fatalf("raw CIDv1 should start with bafk, got %q", direct)
	}

	wrapped, err := CIDFromSHA256Hex(SHA256Hex(data))
	if err != nil {
		t.Fatalf("CIDFromSHA256Hex: %v", err)
	}
	if wrapped != direct {
		t.Fatalf("wrapped %s != direct %s", wrapped, direct)
	}
}

func TestCIDFromSHA256Hex_Invalid(t *testing.T) {
	for _, in := range []string{"zz", "abcd", ""} {
		if _, err := CIDFromSHA256Hex(in); err == nil {
			t.Errorf("CIDFromSHA256Hex(%q) expected error", in)
		}
	}
}
