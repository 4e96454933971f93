package signature

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyWithoutIsIdempotent(t *testing.T) {
	p := AllowAll.Without(AllowSigning)
	assert.Equal(t, ModifyDocumentProperties, p)

	// Clearing twice must not re-add the permission.
	p = p.Without(AllowSigning)
	assert.Equal(t, ModifyDocumentProperties, p)
	assert.False(t, p.Has(AllowSigning))

	assert.Equal(t, AllowNothing, p.Without(ModifyDocumentProperties))
	assert.Equal(t, AllowNothing, AllowNothing.Without(AllowAll))
}

func TestCertificateStatusWorse(t *testing.T) {
	tests := []struct {
		a, b, want CertificateStatus
	}{
		{Ok, Expired, Expired},
		{Corrupted, Revoked, Corrupted},
		{IssuerNotTrusted, CannotBeVerified, CannotBeVerified},
		{NoCertificate, Expired, Expired},
		{Revoked, Verifying, Revoked},
		{Ok, Ok, Ok},
	}
	for _, tt := range tests {
		t.Run(tt.a.String()+"/"+tt.b.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Worse(tt.b))
		})
	}
}

func TestRestrictionFor(t *testing.T) {
	assert.Equal(t, RestrictNone, RestrictionFor(false, false))
	assert.Equal(t, RestrictCoreMetadata, RestrictionFor(true, false))
	assert.Equal(t, RestrictSignatureOrigin, RestrictionFor(false, true))

	both := RestrictionFor(true, true)
	assert.True(t, both.Has(RestrictCoreMetadata))
	assert.True(t, both.Has(RestrictSignatureOrigin))
}

func TestValidateRequiresCertificateForValidState(t *testing.T) {
	s := &DigitalSignature{State: Valid}
	assert.Error(t, s.Validate())

	s.Certificate = &x509.Certificate{}
	assert.NoError(t, s.Validate())

	req := &DigitalSignature{State: NotSigned}
	assert.NoError(t, req.Validate())
	assert.True(t, req.IsRequest())
}

func TestSubjectNameOf(t *testing.T) {
	assert.Equal(t, "", SubjectNameOf(nil))
	assert.Equal(t, "Jane Doe", SubjectNameOf(&x509.Certificate{Subject: pkix.Name{CommonName: "Jane Doe"}}))
	assert.Equal(t, "jane@example.com", SubjectNameOf(&x509.Certificate{EmailAddresses: []string{"jane@example.com"}}))
	assert.Equal(t, "Example Org", SubjectNameOf(&x509.Certificate{Subject: pkix.Name{Organization: []string{"Example Org"}}}))
}
