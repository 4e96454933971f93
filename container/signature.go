package container

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/timestamp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// Private signed attributes carrying the spot id (OCTET STRING) and the
	// restriction flags (INTEGER) of a signature.
	oidSpotID       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60321, 1, 1}
	oidRestrictions = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60321, 1, 2}

	// RFC 3161 id-aa-timeStampToken.
	oidTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// Signature is a signature stored in a package.
type Signature struct {
	id           uuid.UUID
	raw          []byte
	signer       *x509.Certificate
	certs        []*x509.Certificate
	signedAt     time.Time
	timestamp    *timestamp.Timestamp
	restrictions signature.Restriction
	revocation   revocation.InfoArchival
}

func (s *Signature) ID() uuid.UUID                       { return s.id }
func (s *Signature) Signer() *x509.Certificate           { return s.signer }
func (s *Signature) Restrictions() signature.Restriction { return s.restrictions }

// SigningTime returns the time of the timestamp token when present, or the
// signing time claimed by the signer.
func (s *Signature) SigningTime() time.Time {
	if s.timestamp != nil {
		return s.timestamp.Time
	}
	return s.signedAt
}

// Timestamp returns the RFC 3161 token, if any.
func (s *Signature) Timestamp() *timestamp.Timestamp {
	return s.timestamp
}

// Certificates returns the certificates embedded next to the signer.
func (s *Signature) Certificates() []*x509.Certificate {
	return s.certs
}

// RevocationInfo returns the embedded revocation data.
func (s *Signature) RevocationInfo() revocation.InfoArchival {
	return s.revocation
}

// Raw returns the DER encoded PKCS#7 envelope.
func (s *Signature) Raw() []byte {
	return s.raw
}

func parseSignature(der []byte) (*Signature, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7: %w", err)
	}
	if len(p7.Signers) != 1 {
		return nil, fmt.Errorf("expected one signer, found %d", len(p7.Signers))
	}

	var rawID []byte
	if err := p7.UnmarshalSignedAttribute(oidSpotID, &rawID); err != nil {
		return nil, fmt.Errorf("missing spot id: %w", err)
	}
	id, err := uuid.FromBytes(rawID)
	if err != nil {
		return nil, fmt.Errorf("invalid spot id: %w", err)
	}

	s := &Signature{
		id:     id,
		raw:    bytes.Clone(der),
		signer: p7.GetOnlySigner(),
	}

	var restrictions int
	if err := p7.UnmarshalSignedAttribute(oidRestrictions, &restrictions); err == nil {
		s.restrictions = signature.Restriction(restrictions)
	}
	_ = p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeSigningTime, &s.signedAt)
	_ = p7.UnmarshalSignedAttribute(revocation.OID, &s.revocation)

	for _, cert := range p7.Certificates {
		if s.signer == nil || !cert.Equal(s.signer) {
			s.certs = append(s.certs, cert)
		}
	}

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
	return s, nil
}

// Signatures returns the signatures of the package.
func (p *Package) Signatures() []signature.NativeSignature {
	out := make([]signature.NativeSignature, 0, len(p.sigs))
	for _, s := range p.sigs {
		out = append(out, s)
	}
	return out
}

func (p *Package) signatureIndex(id uuid.UUID) int {
	return slices.IndexFunc(p.sigs, func(s *Signature) bool { return s.id == id })
}

func (p *Package) signatureIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(p.sigs))
	for _, s := range p.sigs {
		ids = append(ids, s.id)
	}
	return ids
}

// RemoveSignature deletes the signature with id.
func (p *Package) RemoveSignature(id uuid.UUID) error {
	i := p.signatureIndex(id)
	if i < 0 {
		return fmt.Errorf("signature %s: %w", id, signature.ErrNotFound)
	}
	p.sigs = slices.Delete(p.sigs, i, i+1)
	return nil
}

// signedContent builds the canonical content covered by a signature: the
// digests of every document part and, depending on the restrictions, the
// core properties and the set of signatures.
func (p *Package) signedContent(r signature.Restriction, ids []uuid.UUID) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("pkgsign-signed-content-v1\n")
	for i, doc := range p.manifest.Documents {
		fmt.Fprintf(&b, "document %d %s\n", i, strconv.Quote(doc.Name))
		for _, name := range doc.Parts {
			data, ok := p.parts[name]
			if !ok {
				return nil, &StructureError{Part: name, Msg: "listed part is missing"}
			}
			fmt.Fprintf(&b, "part %s %x\n", strconv.Quote(name), sha256.Sum256(data))
		}
	}

	if r.Has(signature.RestrictCoreMetadata) {
		sum, err := digestProperties(p.manifest.Properties)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "properties %x\n", sum)
	}
	if r.Has(signature.RestrictSignatureOrigin) {
		names := make([]string, len(ids))
		for i, id := range ids {
			names[i] = id.String()
		}
		slices.Sort(names)
		fmt.Fprintf(&b, "signatures %s\n", strings.Join(names, ","))
	}
	return b.Bytes(), nil
}

func digestProperties(props Properties) ([]byte, error) {
	data, err := yaml.Marshal(props.normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Sign adds a detached PKCS#7 signature over the package content. The
// package is changed in memory only; use Save to persist it.
func (p *Package) Sign(ctx context.Context, req signature.SignRequest) (signature.NativeSignature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Certificate == nil || req.Signer == nil {
		return nil, errors.New("signing requires a certificate and a signer")
	}
	if req.ID == uuid.Nil {
		return nil, errors.New("signing requires a spot id")
	}
	if p.signatureIndex(req.ID) >= 0 {
		return nil, fmt.Errorf("signature %s already exists", req.ID)
	}

	content, err := p.signedContent(req.Restrictions, append(p.signatureIDs(), req.ID))
	if err != nil {
		return nil, err
	}

	attrs := []pkcs7.Attribute{
		{Type: oidSpotID, Value: req.ID[:]},
		{Type: oidRestrictions, Value: int(req.Restrictions)},
	}
	if p.opts.fetcher != nil && len(req.Chain) > 0 {
		var info revocation.InfoArchival
		if err := p.opts.fetcher.Embed(ctx, req.Certificate, req.Chain[0], &info); err != nil {
			return nil, fmt.Errorf("failed to embed revocation data: %w", err)
		}
		attrs = append(attrs, pkcs7.Attribute{Type: revocation.OID, Value: info})
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	sd.SetDigestAlgorithm(digestOID(p.opts.digest))

	spy := &signerSpy{Signer: req.Signer}
	err = sd.AddSignerChain(req.Certificate, spy, req.Chain, pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: attrs,
	})
	if err != nil {
		if spy.cancelled {
			return nil, fmt.Errorf("add signer chain: %w", signature.ErrCancelled)
		}
		return nil, fmt.Errorf("add signer chain: %w", err)
	}
	sd.Detach()

	if p.opts.tsa.URL != "" {
		if err := p.addTimestamp(ctx, sd); err != nil {
			return nil, err
		}
	}

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signed data: %w", err)
	}
	sig, err := parseSignature(der)
	if err != nil {
		return nil, err
	}
	p.sigs = append(p.sigs, sig)

	p.logger.Debug("signature added",
		zap.Stringer("id", sig.id),
		zap.String("signer", signature.SubjectNameOf(sig.signer)))
	return sig, nil
}

// Verify re-computes the signed content of native and checks the signature
// and timestamp token against it.
func (p *Package) Verify(native signature.NativeSignature) signature.VerifyResult {
	sig, ok := native.(*Signature)
	if !ok {
		return signature.VerifyInvalid
	}
	if p.signatureIndex(sig.id) < 0 {
		return signature.VerifyNotSigned
	}

	p7, err := pkcs7.Parse(sig.raw)
	if err != nil {
		return signature.VerifyInvalid
	}
	if len(p7.Signers) == 0 {
		return signature.VerifyNotSigned
	}

	content, err := p.signedContent(sig.restrictions, p.signatureIDs())
	if err != nil {
		p.logger.Debug("cannot rebuild signed content", zap.Stringer("id", sig.id), zap.Error(err))
		return signature.VerifyInvalid
	}
	p7.Content = content
	if err := p7.Verify(); err != nil {
		p.logger.Debug("signature does not verify", zap.Stringer("id", sig.id), zap.Error(err))
		return signature.VerifyInvalid
	}

	if sig.timestamp != nil {
		h := sig.timestamp.HashAlgorithm.New()
		h.Write(p7.Signers[0].EncryptedDigest)
		if !bytes.Equal(h.Sum(nil), sig.timestamp.HashedMessage) {
			p.logger.Debug("timestamp hash does not match", zap.Stringer("id", sig.id))
			return signature.VerifyInvalid
		}
	}
	return signature.VerifySuccess
}

func digestOID(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA384:
		return pkcs7.OIDDigestAlgorithmSHA384
	case crypto.SHA512:
		return pkcs7.OIDDigestAlgorithmSHA512
	default:
		return pkcs7.OIDDigestAlgorithmSHA256
	}
}

// signerSpy records whether the wrapped signer reported a cancelled prompt,
// so the cause survives error reformatting further up.
type signerSpy struct {
	crypto.Signer
	cancelled bool
}

func (s *signerSpy) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, err := s.Signer.Sign(rand, digest, opts)
	if errors.Is(err, signature.ErrCancelled) {
		s.cancelled = true
	}
	return sig, err
}
