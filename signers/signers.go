// Package signers holds what the hardware and remote signing backends have
// in common. The backends live in subpackages.
package signers

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"math/big"

	"github.com/digitorus/pkgsign/signature"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// digestInfoPrefixes are the DER encoded DigestInfo headers that precede
// the digest in a PKCS #1 v1.5 signature.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// DigestInfo wraps digest in the DigestInfo structure signed by raw RSA
// PKCS #1 v1.5 mechanisms.
func DigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	prefix, ok := digestInfoPrefixes[h]
	if !ok {
		return nil, fmt.Errorf("unsupported hash function: %v", h)
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("digest is %d bytes, %v needs %d", len(digest), h, h.Size())
	}
	out := make([]byte, 0, len(prefix)+len(digest))
	out = append(out, prefix...)
	return append(out, digest...), nil
}

// ECDSAToASN1 converts a raw r || s ECDSA signature, as returned by tokens
// and key vaults, into the ASN.1 form crypto.Signer callers expect.
func ECDSAToASN1(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid raw ECDSA signature length %d", len(raw))
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// Cancelled maps a cancelled context to signature.ErrCancelled so the
// signing attempt is rolled back without being reported as a failure.
func Cancelled(err error) error {
	if errors.Is(err, context.Canceled) && !errors.Is(err, signature.ErrCancelled) {
		return errors.Join(signature.ErrCancelled, err)
	}
	return err
}
