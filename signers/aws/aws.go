// Package aws signs with an asymmetric AWS KMS key.
//
// NOTE: This package is provided on a "best-effort" basis. Only RSA and ECDSA
// keys signing precomputed digests are supported, which is what a package
// signature needs.
package aws

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/digitorus/pkgsign/signers"
)

// KMSClient is the part of the KMS API the signer calls.
type KMSClient interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Signer is a crypto.Signer backed by a KMS key.
type Signer struct {
	client KMSClient
	keyID  string
	pub    crypto.PublicKey
}

// Open connects with the default credential chain of the environment
// (variables, shared config, instance role). keyID is a key id, alias or
// ARN; pub is the public key of the signing certificate.
func Open(ctx context.Context, keyID string, pub crypto.PublicKey) (*Signer, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws: failed to load configuration: %w", err)
	}
	return NewSigner(kms.NewFromConfig(cfg), keyID, pub)
}

// NewSigner returns a signer using client.
func NewSigner(client KMSClient, keyID string, pub crypto.PublicKey) (*Signer, error) {
	switch {
	case client == nil:
		return nil, errors.New("aws: client is required")
	case keyID == "":
		return nil, errors.New("aws: keyID is required")
	}
	return &Signer{client: client, keyID: keyID, pub: pub}, nil
}

func (s *Signer) Public() crypto.PublicKey {
	return s.pub
}

func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(context.Background(), digest, opts)
}

// SignContext has KMS sign digest. A cancelled context is reported as
// signature.ErrCancelled. ECDSA signatures come back DER encoded.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	algo, err := algorithmFor(s.pub, opts)
	if err != nil {
		return nil, err
	}

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: algo,
	})
	if err != nil {
		return nil, fmt.Errorf("aws: sign failed: %w", signers.Cancelled(err))
	}
	return out.Signature, nil
}

var algorithms = map[string]map[crypto.Hash]types.SigningAlgorithmSpec{
	"rsa": {
		crypto.SHA256: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
		crypto.SHA384: types.SigningAlgorithmSpecRsassaPkcs1V15Sha384,
		crypto.SHA512: types.SigningAlgorithmSpecRsassaPkcs1V15Sha512,
	},
	"ecdsa": {
		crypto.SHA256: types.SigningAlgorithmSpecEcdsaSha256,
		crypto.SHA384: types.SigningAlgorithmSpecEcdsaSha384,
		crypto.SHA512: types.SigningAlgorithmSpecEcdsaSha512,
	},
}

func algorithmFor(pub crypto.PublicKey, opts crypto.SignerOpts) (types.SigningAlgorithmSpec, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return "", errors.New("aws: RSA-PSS is not supported")
	}
	var family string
	switch pub.(type) {
	case *rsa.PublicKey:
		family = "rsa"
	case *ecdsa.PublicKey:
		family = "ecdsa"
	default:
		return "", fmt.Errorf("aws: unsupported key type %T", pub)
	}
	algo, ok := algorithms[family][opts.HashFunc()]
	if !ok {
		return "", fmt.Errorf("aws: unsupported hash function %v", opts.HashFunc())
	}
	return algo, nil
}
