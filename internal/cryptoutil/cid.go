package cryptoutil

import (
	"encoding/hex"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/capsium/reactor/internal/xerrors"
)

// CIDv1RawSHA256 returns the CIDv1 (raw codec, sha2-256 multihash) of data.
func CIDv1RawSHA256(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// CIDFromSHA256Hex wraps an existing hex SHA-256 digest as a CIDv1 without
// rehashing the underlying bytes.
func CIDFromSHA256Hex(digest string) (string, error) {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", xerrors.Wrap(err, "decode sha256 hex")
	}
	if len(raw) != 32 {
		return "", xerrors.Newf("sha256 digest must be 32 bytes, got %d", len(raw))
	}
	mh, err := multihash.Encode(raw, multihash.SHA2_256)
	if err != nil {
		return "", xerrors.Wrap(err, "encode multihash")
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}
