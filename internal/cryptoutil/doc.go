// Package cryptoutil holds the hashing and signature primitives used to
// check Capsium packages: SHA-256 helpers, content identifiers, and
// verification of cosign blob signatures against a KMS or PEM public key.
package cryptoutil
