package revocation

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"

	"golang.org/x/crypto/ocsp"
)

// OID of the revocation information archival attribute. It is carried as a
// signed attribute of the PKCS#7 envelope.
var OID = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}

// Status is the revocation status of a single certificate.
type Status int

const (
	// Unknown means no CRL or OCSP response covers the certificate.
	Unknown Status = iota
	Good
	Revoked
)

func (s Status) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// InfoArchival is the pkcs7 container containing the revocation information for
// all embedded certificates.
type InfoArchival struct {
	CRL   CRL   `asn1:"tag:0,optional,explicit"`
	OCSP  OCSP  `asn1:"tag:1,optional,explicit"`
	Other Other `asn1:"tag:2,optional,explicit"`
}

// AddCRL is used to embed an CRL to revocation.InfoArchival object. You directly
// pass the bytes of a downloaded CRL to this function.
func (r *InfoArchival) AddCRL(b []byte) error {
	r.CRL = append(r.CRL, asn1.RawValue{FullBytes: b})
	return nil
}

// AddOCSP is used to embed the raw bytes of an OCSP response.
func (r *InfoArchival) AddOCSP(b []byte) error {
	r.OCSP = append(r.OCSP, asn1.RawValue{FullBytes: b})
	return nil
}

// IsEmpty reports whether no revocation data is embedded.
func (r *InfoArchival) IsEmpty() bool {
	return len(r.CRL) == 0 && len(r.OCSP) == 0
}

// Merge appends the CRLs and OCSP responses of other.
func (r *InfoArchival) Merge(other InfoArchival) {
	for _, c := range other.CRL {
		_ = r.AddCRL(c.FullBytes)
	}
	for _, o := range other.OCSP {
		_ = r.AddOCSP(o.FullBytes)
	}
}

// Clone returns a deep copy that shares no byte slices with r.
func (r *InfoArchival) Clone() InfoArchival {
	var c InfoArchival
	for _, crl := range r.CRL {
		_ = c.AddCRL(bytes.Clone(crl.FullBytes))
	}
	for _, o := range r.OCSP {
		_ = c.AddOCSP(bytes.Clone(o.FullBytes))
	}
	return c
}

// Status looks for a CRL or OCSP response covering c. When issuer is known,
// only responses signed by it are taken into account. A revocation found in
// any source wins over a good status from another.
func (r *InfoArchival) Status(c, issuer *x509.Certificate) Status {
	status := Unknown
	for _, raw := range r.CRL {
		switch crlStatus(raw.FullBytes, c, issuer) {
		case Revoked:
			return Revoked
		case Good:
			status = Good
		}
	}
	for _, raw := range r.OCSP {
		switch ocspStatus(raw.FullBytes, c, issuer) {
		case Revoked:
			return Revoked
		case Good:
			status = Good
		}
	}
	return status
}

// IsRevoked checks if there is a status included for the certificate and
// returns true if the certificate is marked as revoked.
func (r *InfoArchival) IsRevoked(c *x509.Certificate) bool {
	return r.Status(c, nil) == Revoked
}

func crlStatus(der []byte, c, issuer *x509.Certificate) Status {
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return Unknown
	}
	if !bytes.Equal(crl.RawIssuer, c.RawIssuer) {
		return Unknown
	}
	if issuer != nil && crl.CheckSignatureFrom(issuer) != nil {
		return Unknown
	}
	for _, rc := range crl.RevokedCertificateEntries {
		if rc.SerialNumber.Cmp(c.SerialNumber) == 0 {
			return Revoked
		}
	}
	return Good
}

func ocspStatus(der []byte, c, issuer *x509.Certificate) Status {
	resp, err := ocsp.ParseResponse(der, issuer)
	if err != nil {
		return Unknown
	}
	if resp.SerialNumber == nil || resp.SerialNumber.Cmp(c.SerialNumber) != 0 {
		return Unknown
	}
	switch resp.Status {
	case ocsp.Good:
		return Good
	case ocsp.Revoked:
		return Revoked
	default:
		return Unknown
	}
}

// CRL contains the raw bytes of a pkix.CertificateList and can be parsed with
// x509.ParseRevocationList.
type CRL []asn1.RawValue

// OCSP contains the raw bytes of an OCSP response and can be parsed with
// x/crypto/ocsp.ParseResponse.
type OCSP []asn1.RawValue

// ANS.1 Object OtherRevInfo.
type Other struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}
