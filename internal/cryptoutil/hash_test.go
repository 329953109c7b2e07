package cryptoutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSHA256Hex(t *testing.T) {
	// sha256("") and sha256("abc")
	tests := map[string]string{
		"":    "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"abc": "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
	}
	for in, want := range tests {
		if got := SHA256Hex([]byte(in)); got != want {
			t.Errorf("SHA256Hex(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSHA256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, n, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File: %v", err)
	}
	if n != 3 || got != SHA256Hex([]byte("abc")) {
		t.Fatalf("got %s (%d bytes)", got, n)
	}

	if _, _, err := SHA256File(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSHA256Reader(t *testing.T) {
	got, n, err := SHA256Reader(strings.NewReader("abc"))
	if err != nil || n != 3 || got != SHA256Hex([]byte("abc")) {
		t.Fatalf("got %s %d %v", got, n, err)
	}
}

func TestHashEqual(t *testing.T) {
	a := SHA256Hex([]byte("a"))
	tests := []struct {
		x, y string
		want bool
	}{
		{a, a, true},
		{a, strings.ToUpper(a), true},
		{a, SHA256Hex([]byte("b")), false},
		{a, a[:10], false},
		{"", "", true},
		{a, "", false},
	}
	for _, tt := range tests {
		if got := HashEqual(tt.x, tt.y); got != tt.want {
			t.Errorf("HashEqual(%q, %q) = %v", tt.x, tt.y, got)
		}
	}
}
