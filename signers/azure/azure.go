// Package azure signs with a key held in Azure Key Vault or Managed HSM.
//
// NOTE: This package is provided on a "best-effort" basis. Only RSA and EC
// keys signing precomputed digests are supported.
package azure

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/digitorus/pkgsign/signers"
)

// KMSClient is the part of the Key Vault keys API the signer calls.
type KMSClient interface {
	Sign(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
}

// Signer is a crypto.Signer backed by a Key Vault key.
type Signer struct {
	client  KMSClient
	name    string
	version string
	pub     crypto.PublicKey
}

// Open connects to the vault at vaultURL with the default Azure credential
// chain. An empty version selects the current key version.
func Open(vaultURL, name, version string, pub crypto.PublicKey) (*Signer, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure: no credential: %w", err)
	}
	client, err := azkeys.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	return NewSigner(client, name, version, pub)
}

// NewSigner returns a signer using client.
func NewSigner(client KMSClient, name, version string, pub crypto.PublicKey) (*Signer, error) {
	switch {
	case client == nil:
		return nil, errors.New("azure: client is required")
	case name == "":
		return nil, errors.New("azure: key name is required")
	}
	return &Signer{client: client, name: name, version: version, pub: pub}, nil
}

func (s *Signer) Public() crypto.PublicKey {
	return s.pub
}

func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(context.Background(), digest, opts)
}

// SignContext has Key Vault sign digest. A cancelled context is reported as
// signature.ErrCancelled.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	algo, err := algorithmFor(s.pub, opts)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Sign(ctx, s.name, s.version, azkeys.SignParameters{
		Algorithm: &algo,
		Value:     digest,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: sign failed: %w", signers.Cancelled(err))
	}

	// EC signatures come back as r || s.
	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return signers.ECDSAToASN1(resp.Result)
	}
	return resp.Result, nil
}

var algorithms = map[string]map[crypto.Hash]azkeys.SignatureAlgorithm{
	"rsa": {
		crypto.SHA256: azkeys.SignatureAlgorithmRS256,
		crypto.SHA384: azkeys.SignatureAlgorithmRS384,
		crypto.SHA512: azkeys.SignatureAlgorithmRS512,
	},
	"ec": {
		crypto.SHA256: azkeys.SignatureAlgorithmES256,
		crypto.SHA384: azkeys.SignatureAlgorithmES384,
		crypto.SHA512: azkeys.SignatureAlgorithmES512,
	},
}

func algorithmFor(pub crypto.PublicKey, opts crypto.SignerOpts) (azkeys.SignatureAlgorithm, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return "", errors.New("azure: RSA-PSS is not supported")
	}
	var family string
	switch pub.(type) {
	case *rsa.PublicKey:
		family = "rsa"
	case *ecdsa.PublicKey:
		family = "ec"
	default:
		return "", fmt.Errorf("azure: unsupported key type %T", pub)
	}
	algo, ok := algorithms[family][opts.HashFunc()]
	if !ok {
		return "", fmt.Errorf("azure: unsupported hash function %v", opts.HashFunc())
	}
	return algo, nil
}
