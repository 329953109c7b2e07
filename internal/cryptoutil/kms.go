package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/capsium/reactor/internal/xerrors"
)

// KeyFetcher is the subset of the KMS API needed to fetch a public key.
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier verifies signatures locally with a public key fetched once
// from KMS, or supplied up front from a PEM file.
type KMSVerifier struct {
	client KeyFetcher
	keyID  string

	// AllowPKCS1v15 accepts RSA PKCS1v15 signatures when PSS fails.
	AllowPKCS1v15 bool

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client KeyFetcher, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyID: keyARN}
}

// NewKeyVerifier returns a verifier for a fixed public key.
func NewKeyVerifier(pub crypto.PublicKey) *KMSVerifier {
	return &KMSVerifier{keyID: "static", pubKey: pub}
}

// LoadPEMVerifier reads a PKIX public key in PEM form.
func LoadPEMVerifier(path string) (*KMSVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(err, "read public key")
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xerrors.Newf("no PEM block in %s", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse public key")
	}
	return NewKeyVerifier(pub), nil
}

// PublicKey returns the cached key, fetching it from KMS on first use.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	pub := v.pubKey
	v.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyID, out.KeyUsage)
	}
	pub, err = x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	v.pubKey = pub
	return pub, nil
}

// VerifySignature checks signature over message. ECDSA P-256 uses SHA-256,
// P-384 uses SHA-384, and RSA uses SHA-256 with PSS.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		return verifyRSA(key, message, signature, v.AllowPKCS1v15)
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

// VerifyBlob checks a cosign sign-blob bundle against artifact.
func (v *KMSVerifier) VerifyBlob(ctx context.Context, bundleJSON, artifact []byte) error {
	_, err := VerifyBlobSignature(ctx, v, bundleJSON, artifact)
	return err
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	var digest []byte
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		digest = d[:]
	case elliptic.P384():
		d := sha512.Sum384(message)
		digest = d[:]
	default:
		return xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
	}
	return nil
}

func verifyRSA(key *rsa.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	digest := sha256.Sum256(message)
	pssErr := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil)
	if pssErr == nil {
		return nil
	}
	if !allowPKCS1v15 {
		return xerrors.Newf("RSA-PSS verification failed: %v", pssErr)
	}
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature)
}
