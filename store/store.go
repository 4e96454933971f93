// Package store maps the signatures and signature requests of a package to
// the in-memory signature model and performs the package level signing and
// verification calls.
package store

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/digitorus/pkgsign/certstatus"
	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNilPackage is returned by New when no package is given.
	ErrNilPackage = errors.New("no package")

	// ErrNoDocuments is returned by New for a package without documents.
	ErrNoDocuments = errors.New("package contains no documents")

	// ErrSignabilityNotChecked is returned by mutating operations called
	// before IsSignable.
	ErrSignabilityNotChecked = errors.New("signability has not been checked")

	// ErrNotSignable is returned by mutating operations on a package that
	// failed the signability check.
	ErrNotSignable = errors.New("package is not signable")
)

// Package is the package library the store works on.
type Package interface {
	DocumentCount() int
	Signatures() []signature.NativeSignature
	Definitions() []signature.Definition
	// CheckSignable scans the package structure and reports why it cannot be
	// signed. It may be expensive.
	CheckSignable() error
	Sign(ctx context.Context, req signature.SignRequest) (signature.NativeSignature, error)
	RemoveSignature(id uuid.UUID) error
	AddDefinition(def signature.Definition) error
	RemoveDefinition(id uuid.UUID) error
	HasDefinition(id uuid.UUID) bool
	// Verify re-hashes the signed content and checks the signature value.
	Verify(native signature.NativeSignature) signature.VerifyResult
}

// MaterialSource is implemented by native signatures that carry additional
// certificates and revocation data.
type MaterialSource interface {
	Certificates() []*x509.Certificate
	RevocationInfo() revocation.InfoArchival
}

// ChainChecker classifies signer certificates.
type ChainChecker interface {
	Statuses(ctx context.Context, certs []*x509.Certificate, material certstatus.Material) certstatus.Table
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithChecker sets the certificate chain checker.
func WithChecker(checker ChainChecker) Option {
	return func(s *Store) {
		s.checker = checker
	}
}

// Store owns the signature collection of a package. Except for
// GetCertificateStatus, its methods must be called from the goroutine that
// owns the document.
type Store struct {
	pkg     Package
	checker ChainChecker
	logger  *zap.Logger

	signable        func() bool
	signableChecked bool

	sigs   []*signature.DigitalSignature
	loaded bool

	// fulfilled holds the request entries replaced by SignDocument so that
	// UnsignDocument can put them back unchanged.
	fulfilled map[uuid.UUID]*signature.DigitalSignature
}

// New returns a store for pkg. A package without documents is rejected.
func New(pkg Package, opts ...Option) (*Store, error) {
	if pkg == nil {
		return nil, ErrNilPackage
	}
	if pkg.DocumentCount() == 0 {
		return nil, ErrNoDocuments
	}

	s := &Store{pkg: pkg, fulfilled: make(map[uuid.UUID]*signature.DigitalSignature)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "store"))
	if s.checker == nil {
		s.checker = certstatus.NewChecker(certstatus.Options{Logger: s.logger})
	}

	s.signable = sync.OnceValue(func() bool {
		s.signableChecked = true
		if err := pkg.CheckSignable(); err != nil {
			s.logger.Warn("package is not signable", zap.Error(err))
			return false
		}
		return true
	})
	return s, nil
}

// IsSigned reports whether the package holds at least one signature.
func (s *Store) IsSigned() bool {
	return len(s.pkg.Signatures()) > 0
}

// IsSignable runs the signability check on first use and returns the cached
// result afterwards.
func (s *Store) IsSignable() bool {
	return s.signable()
}

// SignabilityChecked reports whether IsSignable has run.
func (s *Store) SignabilityChecked() bool {
	return s.signableChecked
}

// HasRequests reports whether any signature request is pending.
func (s *Store) HasRequests() bool {
	for _, sig := range s.Signatures() {
		if sig.IsRequest() {
			return true
		}
	}
	return false
}

// Signatures returns the signature collection, building it on first use.
// Callers share the entries; appending to the returned slice does not
// affect the store.
func (s *Store) Signatures() []*signature.DigitalSignature {
	if !s.loaded {
		s.sigs = s.load()
		s.loaded = true
	}
	return s.sigs[:len(s.sigs):len(s.sigs)]
}

func (s *Store) load() []*signature.DigitalSignature {
	defs := s.pkg.Definitions()

	byID := make(map[uuid.UUID]signature.Definition, len(defs))
	var anonymous []signature.Definition
	for _, def := range defs {
		if def.SpotID == uuid.Nil {
			anonymous = append(anonymous, def)
			continue
		}
		byID[def.SpotID] = def
	}

	var sigs []*signature.DigitalSignature
	for _, native := range s.pkg.Signatures() {
		sig := fromNative(native)
		if def, ok := byID[native.ID()]; ok {
			sig.Reason = def.Intent
			sig.Location = def.Location
			delete(byID, native.ID())
		}
		sigs = append(sigs, sig)
	}

	// Unmatched requests, in package order.
	for _, def := range defs {
		if def.SpotID == uuid.Nil {
			continue
		}
		if _, ok := byID[def.SpotID]; ok {
			sigs = append(sigs, fromDefinition(def))
			delete(byID, def.SpotID)
		}
	}
	for _, def := range anonymous {
		sigs = append(sigs, fromDefinition(def))
	}

	s.logger.Debug("signatures loaded", zap.Int("count", len(sigs)))
	return sigs
}

func fromNative(native signature.NativeSignature) *signature.DigitalSignature {
	cert := native.Signer()
	r := native.Restrictions()
	return &signature.DigitalSignature{
		ID:                             native.ID(),
		Certificate:                    cert,
		SubjectName:                    signature.SubjectNameOf(cert),
		SignedOn:                       native.SigningTime(),
		State:                          signature.Unknown,
		IsDocumentPropertiesRestricted: r.Has(signature.RestrictCoreMetadata),
		IsAddingSignaturesRestricted:   r.Has(signature.RestrictSignatureOrigin),
		Native:                         native,
	}
}

func fromDefinition(def signature.Definition) *signature.DigitalSignature {
	return &signature.DigitalSignature{
		ID:          def.SpotID,
		SubjectName: def.RequestedSigner,
		Reason:      def.Intent,
		Location:    def.Location,
		SignedOn:    def.SignBy,
		State:       signature.NotSigned,
	}
}

// FindByID returns the first entry with id.
func (s *Store) FindByID(id uuid.UUID) (*signature.DigitalSignature, bool) {
	i := s.indexOf(id, func(*signature.DigitalSignature) bool { return true })
	if i < 0 {
		return nil, false
	}
	return s.sigs[i], true
}

func (s *Store) indexOf(id uuid.UUID, match func(*signature.DigitalSignature) bool) int {
	for i, sig := range s.Signatures() {
		if sig.ID == id && match(sig) {
			return i
		}
	}
	return -1
}

func (s *Store) requireSignable() error {
	if !s.signableChecked {
		return ErrSignabilityNotChecked
	}
	if !s.signable() {
		return ErrNotSignable
	}
	return nil
}

// SignDocument applies sig to the package. The signability check must have
// been run and passed; it is not repeated here. A signature without an id
// gets a new one. On success sig replaces the request with the same id or is
// appended to the collection.
func (s *Store) SignDocument(ctx context.Context, sig *signature.DigitalSignature) error {
	if err := s.requireSignable(); err != nil {
		return err
	}
	if sig.Certificate == nil || sig.Key == nil {
		return errors.New("signature needs a certificate and a private key")
	}
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}

	native, err := s.pkg.Sign(ctx, signature.SignRequest{
		ID:           sig.ID,
		Certificate:  sig.Certificate,
		Chain:        sig.Chain,
		Signer:       sig.Key,
		Restrictions: sig.Restrictions(),
	})
	if err != nil {
		return fmt.Errorf("failed to sign package: %w", err)
	}

	sig.Native = native
	sig.SubjectName = signature.SubjectNameOf(sig.Certificate)
	sig.SignedOn = native.SigningTime()
	sig.State = signature.Valid

	if i := s.indexOf(sig.ID, func(*signature.DigitalSignature) bool { return true }); i >= 0 {
		if existing := s.sigs[i]; existing != sig {
			if sig.Reason == "" {
				sig.Reason = existing.Reason
			}
			if sig.Location == "" {
				sig.Location = existing.Location
			}
			if existing.IsRequest() {
				s.fulfilled[sig.ID] = existing
			}
			s.sigs[i] = sig
		}
	} else {
		s.sigs = append(s.sigs, sig)
	}

	s.logger.Info("package signed",
		zap.Stringer("id", sig.ID),
		zap.String("signer", sig.SubjectName))
	return nil
}

// AddRequestSignature records a signature request in the package and returns
// its id.
func (s *Store) AddRequestSignature(sig *signature.DigitalSignature) (uuid.UUID, error) {
	if err := s.requireSignable(); err != nil {
		return uuid.Nil, err
	}
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}

	err := s.pkg.AddDefinition(signature.Definition{
		SpotID:          sig.ID,
		RequestedSigner: sig.SubjectName,
		Intent:          sig.Reason,
		Location:        sig.Location,
		SignBy:          sig.SignedOn,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to add signature request: %w", err)
	}

	sig.State = signature.NotSigned
	s.Signatures()
	s.sigs = append(s.sigs, sig)
	return sig.ID, nil
}

// RemoveRequestSignature removes the request with id from the package and
// the collection. Unknown ids are ignored.
func (s *Store) RemoveRequestSignature(id uuid.UUID) error {
	_, err := s.TakeRequest(id)
	return err
}

// RemovedRequest is a request taken out by TakeRequest. It holds what
// RestoreRequest needs to put it back where it was.
type RemovedRequest struct {
	Signature  *signature.DigitalSignature
	Definition signature.Definition

	hasDefinition bool
	index         int
}

// TakeRequest removes the request with id from the package and the
// collection and returns it. Unknown ids yield nil.
func (s *Store) TakeRequest(id uuid.UUID) (*RemovedRequest, error) {
	removed := &RemovedRequest{index: -1}
	for _, def := range s.pkg.Definitions() {
		if def.SpotID == id {
			removed.Definition = def
			removed.hasDefinition = true
			break
		}
	}
	if removed.hasDefinition {
		if err := s.pkg.RemoveDefinition(id); err != nil {
			return nil, fmt.Errorf("failed to remove signature request: %w", err)
		}
	}
	if i := s.indexOf(id, (*signature.DigitalSignature).IsRequest); i >= 0 {
		removed.Signature = s.sigs[i]
		removed.index = i
		s.sigs = append(s.sigs[:i], s.sigs[i+1:]...)
	}
	if !removed.hasDefinition && removed.Signature == nil {
		return nil, nil
	}
	delete(s.fulfilled, id)
	return removed, nil
}

// RestoreRequest undoes TakeRequest: the definition goes back to its
// document and the entry to its position in the collection.
func (s *Store) RestoreRequest(r *RemovedRequest) error {
	if r == nil {
		return nil
	}
	if r.hasDefinition {
		if err := s.pkg.AddDefinition(r.Definition); err != nil {
			return fmt.Errorf("failed to restore signature request: %w", err)
		}
	}
	if r.Signature == nil {
		return nil
	}
	s.Signatures()
	i := min(max(r.index, 0), len(s.sigs))
	s.sigs = slices.Insert(s.sigs, i, r.Signature)
	return nil
}

// UnsignDocument removes the signature with id. When a request for the same
// id remains, the entry turns back into that request as it was before
// signing. A signature already gone
// from the package is not an error.
func (s *Store) UnsignDocument(id uuid.UUID) error {
	if err := s.pkg.RemoveSignature(id); err != nil && !errors.Is(err, signature.ErrNotFound) {
		return fmt.Errorf("failed to remove signature: %w", err)
	}

	i := s.indexOf(id, func(sig *signature.DigitalSignature) bool { return !sig.IsRequest() })
	if i < 0 {
		return nil
	}
	request, ok := s.fulfilled[id]
	delete(s.fulfilled, id)
	if s.pkg.HasDefinition(id) {
		if !ok {
			request = s.requestFromDefinition(id)
		}
		s.sigs[i] = request
		return nil
	}
	s.sigs = append(s.sigs[:i], s.sigs[i+1:]...)
	return nil
}

func (s *Store) requestFromDefinition(id uuid.UUID) *signature.DigitalSignature {
	for _, def := range s.pkg.Definitions() {
		if def.SpotID == id {
			return fromDefinition(def)
		}
	}
	return &signature.DigitalSignature{ID: id, State: signature.NotSigned}
}

// VerifySignatures checks the hash and signature value of every applied
// signature and records the result in its state. It re-hashes the package
// content and may be slow.
func (s *Store) VerifySignatures() {
	for _, sig := range s.Signatures() {
		if sig.Native == nil {
			continue
		}
		switch s.pkg.Verify(sig.Native) {
		case signature.VerifySuccess:
			if sig.Certificate != nil {
				sig.State = signature.Valid
			} else {
				sig.State = signature.Invalid
			}
		case signature.VerifyNotSigned:
			sig.State = signature.NotSigned
		default:
			sig.State = signature.Invalid
		}
	}
}

// GetAllCertificates returns the distinct signer certificates.
func (s *Store) GetAllCertificates() []*x509.Certificate {
	seen := make(map[certstatus.Fingerprint]bool)
	var certs []*x509.Certificate
	for _, sig := range s.Signatures() {
		if sig.Certificate == nil {
			continue
		}
		fp := certstatus.FingerprintOf(sig.Certificate)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		certs = append(certs, sig.Certificate)
	}
	return certs
}

// CertificateMaterial gathers the intermediates and revocation data carried
// by the applied signatures.
func (s *Store) CertificateMaterial() certstatus.Material {
	var material certstatus.Material
	seen := make(map[certstatus.Fingerprint]bool)
	for _, sig := range s.Signatures() {
		src, ok := sig.Native.(MaterialSource)
		if !ok {
			continue
		}
		for _, cert := range src.Certificates() {
			fp := certstatus.FingerprintOf(cert)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			material.Intermediates = append(material.Intermediates, cert)
		}
		material.Revocation.Merge(src.RevocationInfo())
	}
	return material
}

// GetCertificateStatus classifies certs. It does not touch the signature
// collection and may run on any goroutine.
func (s *Store) GetCertificateStatus(ctx context.Context, certs []*x509.Certificate, material certstatus.Material) certstatus.Table {
	return s.checker.Statuses(ctx, certs, material)
}
