package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// KMSClient is the subset of the KMS API the signer needs. *kms.Client
// satisfies it; tests substitute a local key.
type KMSClient interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

type KMSSigner struct {
	client KMSClient
	keyARN string

	// Algorithm defaults to ECDSA_SHA_256.
	Algorithm kmstypes.SigningAlgorithmSpec

	// cached public key for local verification
	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSSigner(client KMSClient, keyARN string) *KMSSigner {
	return &KMSSigner{client: client, keyARN: keyARN, Algorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256}
}

// KeyARN returns the key the signer uses.
func (s *KMSSigner) KeyARN() string { return s.keyARN }

// SignDigest asks KMS to sign a precomputed SHA-256 digest and returns the
// raw signature (DER for ECDSA).
func (s *KMSSigner) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	if len(digest) != sha256.Size {
		return nil, xerrors.Newf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyARN),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: s.algorithm(),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms sign with %s", s.keyARN)
	}
	if len(out.Signature) == 0 {
		return nil, xerrors.Newf("kms returned an empty signature for %s", s.keyARN)
	}
	return out.Signature, nil
}

func (s *KMSSigner) algorithm() kmstypes.SigningAlgorithmSpec {
	if s.Algorithm == "" {
		return kmstypes.SigningAlgorithmSpecEcdsaSha256
	}
	return s.Algorithm
}

// PublicKey fetches and caches the KMS public key.
// First call hits KMS API, subsequent calls return cached key.
func (s *KMSSigner) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	s.mu.RLock()
	if s.pubKey != nil {
		defer s.mu.RUnlock()
		return s.pubKey, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// double-check after acquiring write lock
	if s.pubKey != nil {
		return s.pubKey, nil
	}
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(s.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", s.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}

	s.pubKey = pub
	return s.pubKey, nil
}

// VerifyDigest checks sig over digest locally with the cached public key.
func (s *KMSSigner) VerifyDigest(ctx context.Context, digest, sig []byte) error {
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return err
	}
	alg := s.algorithm()

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if alg != kmstypes.SigningAlgorithmSpecEcdsaSha256 {
			return xerrors.Newf("ECDSA key cannot verify %s signatures", alg)
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return xerrors.Newf("ECDSA signature verification failed. curve: %s", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		switch alg {
		case kmstypes.SigningAlgorithmSpecRsassaPssSha256:
			if err := rsa.VerifyPSS(key, crypto.SHA256, digest, sig, nil); err != nil {
				return xerrors.Wrap(err, "RSA-PSS verification failed")
			}
			return nil
		case kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256:
			if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig); err != nil {
				return xerrors.Wrap(err, "RSA PKCS1v15 verification failed")
			}
			return nil
		default:
			return xerrors.Newf("RSA key cannot verify %s signatures", alg)
		}
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}
