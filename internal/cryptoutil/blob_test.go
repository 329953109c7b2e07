package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
)

// signBlob builds a cosign-style sign-blob bundle for artifact.
func signBlob(t *testing.T, key *ecdsa.PrivateKey, artifact []byte, digestAlg string, digest []byte) []byte {
	t.Helper()
	d := sha256.Sum256(artifact)
	sig, err := ecdsa.SignASN1(rand.Reader, key, d[:])
	if err != nil {
		t.Fatal(err)
	}
	if digest == nil {
		digest = d[:]
	}
	var b BlobBundle
	b.MediaType = "application/vnd.dev.sigstore.bundle.v0.3+json"
	b.VerificationMaterial.PublicKey.Hint = "test-hint"
	b.MessageSignature = &MessageSignature{Signature: base64.StdEncoding.EncodeToString(sig)}
	b.MessageSignature.MessageDigest.Algorithm = digestAlg
	b.MessageSignature.MessageDigest.Digest = base64.StdEncoding.EncodeToString(digest)
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestVerifyBlobSignature(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	v := NewKeyVerifier(&key.PublicKey)
	artifact := []byte("PK\x03\x04 fake archive bytes")

	hint, err := VerifyBlobSignature(t.Context(), v, signBlob(t, key, artifact, "SHA2_256", nil), artifact)
	if err != nil {
		t.Fatalf("VerifyBlobSignature: %v", err)
	}
	if hint != "test-hint" {
		t.Fatalf("hint = %q", hint)
	}
	if err := v.VerifyBlob(t.Context(), signBlob(t, key, artifact, "SHA2_256", nil), artifact); err != nil {
		t.Fatalf("VerifyBlob: %v", err)
	}
}

func TestVerifyBlobSignature_Failures(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	v := NewKeyVerifier(&key.PublicKey)
	artifact := []byte("archive")

	tests := []struct {
		name   string
		bundle []byte
		art    []byte
	}{
		{"tampered artifact", signBlob(t, key, artifact, "SHA2_256", nil), []byte("archivf")},
		{"digest mismatch", signBlob(t, key, artifact, "SHA2_256", make([]byte, 32)), artifact},
		{"unknown algorithm", signBlob(t, key, artifact, "MD5", nil), artifact},
		{"not json", []byte("{"), artifact},
		{"no message signature", []byte(`{"mediaType":"x"}`), artifact},
		{"wrong key", signBlob(t, ecKey(t, elliptic.P256()), artifact, "SHA2_256", nil), artifact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyBlobSignature(t.Context(), v, tt.bundle, tt.art); err == nil {
				t.Fatal("expected failure")
			}
		})
	}
}
