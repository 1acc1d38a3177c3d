package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of data as lower-case hex.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// DecodeSHA256Hex parses a hex SHA-256 back into its 32 raw bytes.
func DecodeSHA256Hex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Wrapf(err, "decode sha256 %q", s)
	}
	if len(b) != sha256.Size {
		return nil, xerrors.Newf("sha256 must be %d bytes, got %d", sha256.Size, len(b))
	}
	return b, nil
}
