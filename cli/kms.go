package cli

import (
	"context"
	"crypto"
	"fmt"
	"strings"

	awssigner "github.com/digitorus/pkgsign/signers/aws"
	azuresigner "github.com/digitorus/pkgsign/signers/azure"
	gcpsigner "github.com/digitorus/pkgsign/signers/gcp"
)

// kmsKey is a key reference parsed from a --kms URI:
//
//	awskms:///<key id, alias or ARN>
//	azurekms://<vault host>/<key name>[/<version>]
//	gcpkms://projects/<p>/locations/<l>/keyRings/<r>/cryptoKeys/<k>/cryptoKeyVersions/<v>
type kmsKey struct {
	provider string
	vault    string
	name     string
	version  string
}

func parseKMSURI(uri string) (kmsKey, error) {
	scheme, ref, ok := strings.Cut(uri, "://")
	if !ok || ref == "" {
		return kmsKey{}, fmt.Errorf("invalid KMS URI %q", uri)
	}

	switch scheme {
	case "awskms":
		name := strings.TrimPrefix(ref, "/")
		if name == "" {
			return kmsKey{}, fmt.Errorf("KMS URI %q names no key", uri)
		}
		return kmsKey{provider: scheme, name: name}, nil

	case "azurekms":
		vault, key, _ := strings.Cut(ref, "/")
		name, version, _ := strings.Cut(key, "/")
		if vault == "" || name == "" || strings.Contains(version, "/") {
			return kmsKey{}, fmt.Errorf("KMS URI %q is not azurekms://<vault>/<key>[/<version>]", uri)
		}
		return kmsKey{provider: scheme, vault: "https://" + vault, name: name, version: version}, nil

	case "gcpkms":
		if !strings.HasPrefix(ref, "projects/") || !strings.Contains(ref, "/cryptoKeyVersions/") {
			return kmsKey{}, fmt.Errorf("KMS URI %q does not name a crypto key version", uri)
		}
		return kmsKey{provider: scheme, name: ref}, nil
	}
	return kmsKey{}, fmt.Errorf("unsupported KMS %q", scheme)
}

// open connects to the key management service. pub is the public key of the
// signing certificate.
func (k kmsKey) open(ctx context.Context, pub crypto.PublicKey) (crypto.Signer, func() error, error) {
	noop := func() error { return nil }
	switch k.provider {
	case "awskms":
		s, err := awssigner.Open(ctx, k.name, pub)
		return s, noop, err
	case "azurekms":
		s, err := azuresigner.Open(k.vault, k.name, k.version, pub)
		return s, noop, err
	case "gcpkms":
		s, err := gcpsigner.Open(ctx, k.name, pub)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported KMS %q", k.provider)
}
