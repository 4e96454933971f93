package pkgsign

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/pkgsign/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sign begins a new signature by the holder of key and cert. The signature
// is applied and the document saved when Commit is called.
//
//   - key: the private key used for signing.
//   - cert: the signer's certificate.
//   - intermediates: optional certificates between cert and its root.
func (s *Session) Sign(key crypto.Signer, cert *x509.Certificate, intermediates ...*x509.Certificate) *SignBuilder {
	return &SignBuilder{
		session: s,
		sig: &signature.DigitalSignature{
			Certificate: cert,
			SubjectName: signature.SubjectNameOf(cert),
			Key:         key,
			Chain:       intermediates,
		},
	}
}

// SignBuilder builds a signature.
type SignBuilder struct {
	session *Session
	sig     *signature.DigitalSignature
	saveAs  string
}

// Reason sets the reason for signing.
func (b *SignBuilder) Reason(reason string) *SignBuilder {
	b.sig.Reason = reason
	return b
}

// Location specifies where the signer is.
func (b *SignBuilder) Location(location string) *SignBuilder {
	b.sig.Location = location
	return b
}

// Fulfil signs the signature request with id instead of adding a new
// signature.
func (b *SignBuilder) Fulfil(id uuid.UUID) *SignBuilder {
	b.sig.ID = id
	return b
}

// RestrictProperties forbids changes to the document properties once
// signed.
func (b *SignBuilder) RestrictProperties() *SignBuilder {
	b.sig.IsDocumentPropertiesRestricted = true
	return b
}

// RestrictSignatures forbids further signatures once signed.
func (b *SignBuilder) RestrictSignatures() *SignBuilder {
	b.sig.IsAddingSignaturesRestricted = true
	return b
}

// SaveAs writes the signed document to path instead of the file it was
// opened from.
func (b *SignBuilder) SaveAs(path string) *SignBuilder {
	b.saveAs = path
	return b
}

// Commit applies the signature and saves the document. It reports false
// without an error when the signer cancelled. On any failure the document
// is left as it was.
func (b *SignBuilder) Commit(ctx context.Context) (bool, error) {
	s := b.session
	if err := s.prepareChange(ctx, signature.AllowSigning); err != nil {
		return false, err
	}
	if b.sig.ID != uuid.Nil {
		existing, ok := s.store.FindByID(b.sig.ID)
		if !ok || !existing.IsRequest() {
			return false, fmt.Errorf("request %s: %w", b.sig.ID, signature.ErrNotFound)
		}
	}

	s.persister.saveAs = b.saveAs
	ok, err := s.engine.SignDocument(ctx, b.sig, b.saveAs != "")
	if ok {
		s.logger.Info("document signed",
			zap.Stringer("id", b.sig.ID),
			zap.String("signer", b.sig.SubjectName))
	}
	return ok, err
}

// Request begins a request for signer to sign the document.
func (s *Session) Request(signer string) *RequestBuilder {
	return &RequestBuilder{
		session: s,
		sig: &signature.DigitalSignature{
			SubjectName: signer,
			State:       signature.NotSigned,
		},
	}
}

// RequestBuilder builds a signature request.
type RequestBuilder struct {
	session *Session
	sig     *signature.DigitalSignature
	saveAs  string
}

// Intent describes what the requested signer agrees to.
func (b *RequestBuilder) Intent(intent string) *RequestBuilder {
	b.sig.Reason = intent
	return b
}

// Location suggests where the requested signer signs.
func (b *RequestBuilder) Location(location string) *RequestBuilder {
	b.sig.Location = location
	return b
}

// SignBy sets the date the signature is requested by.
func (b *RequestBuilder) SignBy(t time.Time) *RequestBuilder {
	b.sig.SignedOn = t
	return b
}

// SaveAs writes the document to path instead of the file it was opened
// from.
func (b *RequestBuilder) SaveAs(path string) *RequestBuilder {
	b.saveAs = path
	return b
}

// Commit adds the request and saves the document. It returns the id of
// the new request.
func (b *RequestBuilder) Commit(ctx context.Context) (uuid.UUID, error) {
	s := b.session
	if err := s.prepareChange(ctx, signature.AllowSigning); err != nil {
		return uuid.Nil, err
	}

	s.persister.saveAs = b.saveAs
	if _, err := s.engine.RequestSignature(ctx, b.sig, b.saveAs != ""); err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("signature requested",
		zap.Stringer("id", b.sig.ID),
		zap.String("signer", b.sig.SubjectName))
	return b.sig.ID, nil
}

// Withdraw removes the signature request with id and saves the document.
func (s *Session) Withdraw(ctx context.Context, id uuid.UUID) error {
	if err := s.prepareChange(ctx, signature.AllowNothing); err != nil {
		return err
	}
	_, err := s.engine.WithdrawRequest(ctx, id)
	return err
}

// Unsign removes the applied signature with id and saves the document.
func (s *Session) Unsign(ctx context.Context, id uuid.UUID) error {
	if err := s.prepareChange(ctx, signature.AllowNothing); err != nil {
		return err
	}
	_, err := s.engine.RemoveSignature(ctx, id)
	return err
}

// prepareChange verifies the document and checks that it can be changed
// and that the current policy permits the action.
func (s *Session) prepareChange(ctx context.Context, action signature.Policy) error {
	if err := s.ensureVerified(ctx); err != nil {
		return err
	}
	if !s.engine.IsSignable() {
		return store.ErrNotSignable
	}
	if !s.engine.IsSigningAllowedByPolicy(action) {
		return fmt.Errorf("%s: %w", s.engine.Policy(), ErrNotPermitted)
	}
	return nil
}
