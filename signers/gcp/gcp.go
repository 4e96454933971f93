// Package gcp provides a Google Cloud KMS signer for pkgsign.
//
// NOTE: This package is provided on a "best-effort" basis. The signature
// algorithm is the one of the key version; use an RSA_SIGN_PKCS1_* or
// EC_SIGN_* key.
package gcp

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/digitorus/pkgsign/signers"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// KMSClient defines the interface for GCP KMS operations used by the signer.
type KMSClient interface {
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
}

// ErrIntegrity is returned when a checksum of the request or response does
// not match.
var ErrIntegrity = errors.New("gcp: checksum mismatch")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Signer implements crypto.Signer using Google Cloud KMS.
type Signer struct {
	Client    KMSClient
	KeyName   string
	PublicKey crypto.PublicKey

	closer io.Closer
}

// Open connects with Application Default Credentials. Close releases the
// connection.
func Open(ctx context.Context, keyName string, pub crypto.PublicKey) (*Signer, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp: failed to create client: %w", err)
	}
	s, err := NewSigner(client, keyName, pub)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.closer = client
	return s, nil
}

// Close releases the client created by Open.
func (s *Signer) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// NewSigner creates a new GCP KMS signer. keyName is the resource name of a
// crypto key version.
func NewSigner(client KMSClient, keyName string, pub crypto.PublicKey) (*Signer, error) {
	if client == nil {
		return nil, errors.New("gcp: client is required")
	}
	if keyName == "" {
		return nil, errors.New("gcp: keyName is required")
	}
	return &Signer{
		Client:    client,
		KeyName:   keyName,
		PublicKey: pub,
	}, nil
}

// Public returns the public key.
func (s *Signer) Public() crypto.PublicKey {
	return s.PublicKey
}

// Sign signs a digest using GCP KMS.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(context.Background(), digest, opts)
}

// SignContext allows passing a context for cloud operations. A cancelled
// context is reported as signature.ErrCancelled.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	req := &kmspb.AsymmetricSignRequest{
		Name:         s.KeyName,
		Digest:       &kmspb.Digest{},
		DigestCrc32C: wrapperspb.Int64(checksum(digest)),
	}

	switch opts.HashFunc() {
	case crypto.SHA256:
		req.Digest.Digest = &kmspb.Digest_Sha256{Sha256: digest}
	case crypto.SHA384:
		req.Digest.Digest = &kmspb.Digest_Sha384{Sha384: digest}
	case crypto.SHA512:
		req.Digest.Digest = &kmspb.Digest_Sha512{Sha512: digest}
	default:
		return nil, fmt.Errorf("gcp: unsupported hash function: %v", opts.HashFunc())
	}

	resp, err := s.Client.AsymmetricSign(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("gcp: sign failed: %w", signers.Cancelled(err))
	}

	if !resp.VerifiedDigestCrc32C {
		return nil, fmt.Errorf("%w: digest corrupted in transit", ErrIntegrity)
	}
	if resp.SignatureCrc32C != nil && resp.SignatureCrc32C.Value != checksum(resp.Signature) {
		return nil, fmt.Errorf("%w: signature corrupted in transit", ErrIntegrity)
	}
	return resp.Signature, nil
}

func checksum(b []byte) int64 {
	return int64(crc32.Checksum(b, castagnoli))
}
