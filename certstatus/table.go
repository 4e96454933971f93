package certstatus

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
)

// Fingerprint identifies a certificate by the SHA-256 digest of its DER
// encoding.
type Fingerprint [sha256.Size]byte

// FingerprintOf returns the fingerprint of cert.
func FingerprintOf(cert *x509.Certificate) Fingerprint {
	return sha256.Sum256(cert.Raw)
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Table maps certificates to their classified status. A nil table means
// verification has not completed.
type Table map[Fingerprint]signature.CertificateStatus

// Lookup returns the status recorded for cert.
func (t Table) Lookup(cert *x509.Certificate) (signature.CertificateStatus, bool) {
	if t == nil || cert == nil {
		return signature.NoCertificate, false
	}
	status, ok := t[FingerprintOf(cert)]
	return status, ok
}

// Set records the status of cert.
func (t Table) Set(cert *x509.Certificate, status signature.CertificateStatus) {
	t[FingerprintOf(cert)] = status
}

// Merge copies every entry of other into t, overwriting existing entries.
func (t Table) Merge(other Table) {
	for k, v := range other {
		t[k] = v
	}
}

// Covers reports whether t holds a status for every certificate in certs.
func (t Table) Covers(certs []*x509.Certificate) bool {
	if t == nil {
		return false
	}
	for _, cert := range certs {
		if _, ok := t[FingerprintOf(cert)]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of t.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	c := make(Table, len(t))
	c.Merge(t)
	return c
}

// Material is the additional input for chain building gathered from the
// signatures of a package.
type Material struct {
	// Intermediates are candidate issuers embedded alongside the signers.
	Intermediates []*x509.Certificate
	// Revocation holds the CRLs and OCSP responses embedded in signatures.
	Revocation revocation.InfoArchival
}

// Clone returns a copy that shares no slices with m. Certificates are
// immutable once parsed and are shared.
func (m Material) Clone() Material {
	return Material{
		Intermediates: append([]*x509.Certificate(nil), m.Intermediates...),
		Revocation:    m.Revocation.Clone(),
	}
}
