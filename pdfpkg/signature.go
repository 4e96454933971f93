package pdfpkg

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/timestamp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var oidTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// Signature is a signed signature field.
type Signature struct {
	id        uuid.UUID
	field     string
	name      string
	reason    string
	location  string
	contents  []byte
	byteRange []int64
	signer    *x509.Certificate
	certs     []*x509.Certificate
	signedAt  time.Time
	timestamp *timestamp.Timestamp
	mdp       int
	info      revocation.InfoArchival
}

func (s *Signature) ID() uuid.UUID             { return s.id }
func (s *Signature) Signer() *x509.Certificate { return s.signer }

// Field returns the fully qualified name of the signature field.
func (s *Signature) Field() string { return s.field }

// Name returns the signer name written in the signature dictionary.
func (s *Signature) Name() string { return s.name }

func (s *Signature) Reason() string   { return s.reason }
func (s *Signature) Location() string { return s.location }

// SigningTime prefers the timestamp token over the time claimed by the
// signer.
func (s *Signature) SigningTime() time.Time {
	if s.timestamp != nil {
		return s.timestamp.Time
	}
	return s.signedAt
}

// Restrictions maps the DocMDP permissions of a certification signature.
// P=1 permits no changes at all. P=2 and P=3 still allow signing, P=3 also
// annotations.
func (s *Signature) Restrictions() signature.Restriction {
	switch s.mdp {
	case 1:
		return signature.RestrictCoreMetadata | signature.RestrictSignatureOrigin
	case 2, 3:
		return signature.RestrictCoreMetadata
	default:
		return signature.RestrictNone
	}
}

func (s *Signature) Certificates() []*x509.Certificate       { return s.certs }
func (s *Signature) RevocationInfo() revocation.InfoArchival { return s.info }

func parseSignature(v pdf.Value, field string) (*Signature, error) {
	s := &Signature{
		id:       FieldID(field),
		field:    field,
		name:     v.Key("Name").Text(),
		reason:   v.Key("Reason").Text(),
		location: v.Key("Location").Text(),
		contents: []byte(v.Key("Contents").RawString()),
		mdp:      docMDP(v),
	}

	br := v.Key("ByteRange")
	if br.Len() == 0 || br.Len()%2 != 0 {
		return nil, fmt.Errorf("invalid ByteRange length: %d", br.Len())
	}
	for i := 0; i < br.Len(); i++ {
		s.byteRange = append(s.byteRange, br.Index(i).Int64())
	}

	p7, err := pkcs7.Parse(s.contents)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7: %w", err)
	}
	s.signer = p7.GetOnlySigner()
	for _, cert := range p7.Certificates {
		if s.signer == nil || !cert.Equal(s.signer) {
			s.certs = append(s.certs, cert)
		}
	}
	_ = p7.UnmarshalSignedAttribute(revocation.OID, &s.info)

	if m := v.Key("M"); !m.IsNull() {
		if t, err := parseDate(m.Text()); err == nil {
			s.signedAt = t
		}
	}
	if s.signedAt.IsZero() {
		_ = p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeSigningTime, &s.signedAt)
	}

	if len(p7.Signers) > 0 {
		for _, attr := range p7.Signers[0].UnauthenticatedAttributes {
			if attr.Type.Equal(oidTimeStampToken) {
				ts, err := timestamp.Parse(attr.Value.Bytes)
				if err != nil {
					return nil, fmt.Errorf("failed to parse timestamp: %w", err)
				}
				s.timestamp = ts
				break
			}
		}
	}
	return s, nil
}

// docMDP returns the DocMDP permission level, or 0 when the signature is not
// a certification signature.
func docMDP(v pdf.Value) int {
	refs := v.Key("Reference")
	if refs.Kind() != pdf.Array {
		return 0
	}
	for i := 0; i < refs.Len(); i++ {
		ref := refs.Index(i)
		if ref.Key("TransformMethod").Name() != "DocMDP" {
			continue
		}
		if p := ref.Key("TransformParams").Key("P"); !p.IsNull() {
			return int(p.Int64())
		}
		return 2
	}
	return 0
}

// parseDate parses a PDF date string (D:YYYYMMDDHHmmSSOHH'mm').
func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{
		"D:20060102150405Z07'00'",
		"D:20060102150405Z07'00",
		"D:20060102150405Z",
		"D:20060102150405",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid PDF date %q", v)
}

// Verify reads the signed byte ranges and checks the PKCS#7 envelope and
// timestamp token against them. A certification signature that permits no
// changes is invalid once the file has been extended.
func (d *Document) Verify(native signature.NativeSignature) signature.VerifyResult {
	sig, ok := native.(*Signature)
	if !ok {
		return signature.VerifyInvalid
	}
	if !d.contains(sig) {
		return signature.VerifyNotSigned
	}
	log := d.logger.With(zap.String("field", sig.field))

	content, err := d.readByteRange(sig.byteRange)
	if err != nil {
		log.Debug("cannot read signed content", zap.Error(err))
		return signature.VerifyInvalid
	}

	p7, err := pkcs7.Parse(sig.contents)
	if err != nil {
		return signature.VerifyInvalid
	}
	if len(p7.Signers) == 0 {
		return signature.VerifyNotSigned
	}
	p7.Content = content
	if err := p7.Verify(); err != nil {
		log.Debug("signature does not verify", zap.Error(err))
		return signature.VerifyInvalid
	}

	if sig.timestamp != nil {
		h := sig.timestamp.HashAlgorithm.New()
		h.Write(p7.Signers[0].EncryptedDigest)
		if !bytes.Equal(h.Sum(nil), sig.timestamp.HashedMessage) {
			log.Debug("timestamp hash does not match")
			return signature.VerifyInvalid
		}
	}

	n := len(sig.byteRange)
	signedEnd := sig.byteRange[n-2] + sig.byteRange[n-1]
	if sig.mdp == 1 && d.size > signedEnd {
		log.Debug("document changed after a certification signature that permits no changes")
		return signature.VerifyInvalid
	}
	return signature.VerifySuccess
}

func (d *Document) contains(sig *Signature) bool {
	for _, s := range d.sigs {
		if s == sig {
			return true
		}
	}
	return false
}

// readByteRange concatenates the ranges covered by a signature. The first
// range has to start at the beginning of the file.
func (d *Document) readByteRange(ranges []int64) ([]byte, error) {
	if len(ranges) == 0 || ranges[0] != 0 {
		return nil, fmt.Errorf("byte range does not start at the beginning of the file")
	}
	if len(ranges)%2 != 0 {
		return nil, fmt.Errorf("byte range has an odd number of entries")
	}

	var parts []io.Reader
	var total int64
	for i := 0; i < len(ranges); i += 2 {
		offset, length := ranges[i], ranges[i+1]
		if offset < 0 || length < 0 || offset > d.size || length > d.size-offset {
			return nil, fmt.Errorf("byte range %d+%d is outside the file", offset, length)
		}
		if length > d.size-total {
			return nil, fmt.Errorf("byte range covers more than the file")
		}
		parts = append(parts, io.NewSectionReader(d.file, offset, length))
		total += length
	}

	content := make([]byte, total)
	if _, err := io.ReadFull(io.MultiReader(parts...), content); err != nil {
		return nil, fmt.Errorf("failed to read signed content: %w", err)
	}
	return content, nil
}
