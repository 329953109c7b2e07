package cryptoutil

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"

	"github.com/capsium/reactor/internal/xerrors"
)

// BlobBundle is the subset of a cosign sign-blob bundle the reactor reads.
type BlobBundle struct {
	MediaType            string `json:"mediaType"`
	VerificationMaterial struct {
		PublicKey struct {
			Hint string `json:"hint"`
		} `json:"publicKey"`
	} `json:"verificationMaterial"`
	MessageSignature *MessageSignature `json:"messageSignature,omitempty"`
}

type MessageSignature struct {
	MessageDigest struct {
		Algorithm string `json:"algorithm"`
		Digest    string `json:"digest"`
	} `json:"messageDigest"`
	Signature string `json:"signature"`
}

// SignatureVerifier checks a raw signature over message.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// ParseBlobBundle decodes bundleJSON and requires a message signature.
func ParseBlobBundle(bundleJSON []byte) (*BlobBundle, error) {
	var b BlobBundle
	if err := json.Unmarshal(bundleJSON, &b); err != nil {
		return nil, xerrors.Wrap(err, "parse signature bundle")
	}
	if b.MessageSignature == nil {
		return nil, xerrors.New("signature bundle has no messageSignature")
	}
	if b.MessageSignature.Signature == "" {
		return nil, xerrors.New("signature bundle has an empty signature")
	}
	return &b, nil
}

// VerifyBlobSignature verifies the bundle's signature over artifact and
// cross-checks the digest embedded in the bundle. Returns the key hint.
func VerifyBlobSignature(ctx context.Context, v SignatureVerifier, bundleJSON, artifact []byte) (string, error) {
	b, err := ParseBlobBundle(bundleJSON)
	if err != nil {
		return "", err
	}
	sig, err := base64.StdEncoding.DecodeString(b.MessageSignature.Signature)
	if err != nil {
		return "", xerrors.Wrap(err, "decode signature")
	}
	if err := v.VerifySignature(ctx, artifact, sig); err != nil {
		return "", xerrors.Wrap(err, "blob signature verification failed")
	}

	md := b.MessageSignature.MessageDigest
	if md.Digest == "" {
		return "", xerrors.New("bundle messageDigest.digest is empty")
	}
	want, err := base64.StdEncoding.DecodeString(md.Digest)
	if err != nil {
		return "", xerrors.Wrap(err, "decode bundle digest")
	}
	got, err := digestFor(md.Algorithm, artifact)
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return "", xerrors.New("bundle digest does not match artifact")
	}
	return b.VerificationMaterial.PublicKey.Hint, nil
}

func digestFor(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case "SHA2_256", "SHA_256", "sha256":
		d := sha256.Sum256(data)
		return d[:], nil
	case "SHA2_384", "SHA_384", "sha384":
		d := sha512.Sum384(data)
		return d[:], nil
	default:
		return nil, xerrors.Newf("unsupported digest algorithm in bundle: %q", algorithm)
	}
}
