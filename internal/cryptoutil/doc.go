// Package cryptoutil provides the hashing and signing primitives used when
// publishing content bundles.
//
// It supports:
//   - SHA-256 hex digests and constant-time hash comparison
//   - KMS-backed signing of SHA-256 digests (ECDSA P-256, RSA-PSS, RSA PKCS1v15)
//   - local verification of those signatures against the cached KMS public key
package cryptoutil
