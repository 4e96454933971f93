// Package signature contains the in-memory model shared by the signature
// store, the status engine and the package implementations.
package signature

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCancelled is returned (possibly wrapped) by a crypto.Signer when the
	// user dismissed a hardware token or PIN prompt.
	ErrCancelled = errors.New("signing cancelled by user")

	// ErrNotFound is returned when a signature or definition id is unknown.
	ErrNotFound = errors.New("signature not found")
)

// State is the state of a single signature, and also the aggregate state of a
// document.
type State int

const (
	Unknown State = iota
	// NotSigned denotes a pending request, or a document without signatures.
	NotSigned
	Valid
	// Invalid denotes a failed hash or certificate check, or invalidation by
	// a later restricted signature or changed document properties.
	Invalid
	// Undetermined means signed, but certificate validation is still pending.
	Undetermined
	// Unverifiable means the document failed the signability precondition so
	// existing signatures cannot be trusted.
	Unverifiable
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case NotSigned:
		return "NotSigned"
	case Valid:
		return "Valid"
	case Invalid:
		return "Invalid"
	case Undetermined:
		return "Undetermined"
	case Unverifiable:
		return "Unverifiable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes s by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CertificateStatus classifies the chain of a signer certificate. The values
// from Ok up to Corrupted are ordered by severity.
type CertificateStatus int

const (
	Ok CertificateStatus = iota
	Expired
	Revoked
	IssuerNotTrusted
	CannotBeVerified
	Corrupted

	// NoCertificate is used for requests and signatures without an embedded
	// certificate.
	NoCertificate
	// Verifying is reported while the asynchronous chain check is running.
	Verifying
)

func (c CertificateStatus) String() string {
	switch c {
	case Ok:
		return "Ok"
	case Expired:
		return "Expired"
	case Revoked:
		return "Revoked"
	case IssuerNotTrusted:
		return "IssuerNotTrusted"
	case CannotBeVerified:
		return "CannotBeVerified"
	case Corrupted:
		return "Corrupted"
	case NoCertificate:
		return "NoCertificate"
	case Verifying:
		return "Verifying"
	default:
		return fmt.Sprintf("CertificateStatus(%d)", int(c))
	}
}

// MarshalText encodes c by name.
func (c CertificateStatus) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// IsSeverity reports whether c is one of the ordered severity values.
func (c CertificateStatus) IsSeverity() bool {
	return c >= Ok && c <= Corrupted
}

// Worse returns the more severe of c and other. Non-severity values lose
// against any severity value.
func (c CertificateStatus) Worse(other CertificateStatus) CertificateStatus {
	switch {
	case !c.IsSeverity():
		return other
	case !other.IsSeverity():
		return c
	case other > c:
		return other
	default:
		return c
	}
}

// Policy is the set of actions still permitted by the valid signatures of a
// document.
type Policy uint8

const (
	AllowSigning Policy = 1 << iota
	ModifyDocumentProperties

	AllowNothing Policy = 0
	AllowAll            = AllowSigning | ModifyDocumentProperties
)

// Has reports whether every bit of flag is set.
func (p Policy) Has(flag Policy) bool {
	return p&flag == flag
}

// Without clears flag. Clearing an already cleared flag is a no-op.
func (p Policy) Without(flag Policy) Policy {
	return p &^ flag
}

func (p Policy) String() string {
	switch p {
	case AllowNothing:
		return "AllowNothing"
	case AllowAll:
		return "AllowSigning|ModifyDocumentProperties"
	case AllowSigning:
		return "AllowSigning"
	case ModifyDocumentProperties:
		return "ModifyDocumentProperties"
	default:
		return fmt.Sprintf("Policy(%#x)", uint8(p))
	}
}

// MarshalText encodes p by name.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Restriction is the set of package changes that invalidate a native
// signature.
type Restriction uint8

const (
	RestrictNone Restriction = 0
	// RestrictCoreMetadata includes the document properties in the signed
	// content.
	RestrictCoreMetadata Restriction = 1 << (iota - 1)
	// RestrictSignatureOrigin includes the set of signatures in the signed
	// content, so adding a signature invalidates this one.
	RestrictSignatureOrigin
)

// Has reports whether every bit of flag is set.
func (r Restriction) Has(flag Restriction) bool {
	return r&flag == flag
}

// RestrictionFor maps the two boolean intents of a signature to package
// restrictions.
func RestrictionFor(propertiesRestricted, addingRestricted bool) Restriction {
	r := RestrictNone
	if propertiesRestricted {
		r |= RestrictCoreMetadata
	}
	if addingRestricted {
		r |= RestrictSignatureOrigin
	}
	return r
}

// VerifyResult is the outcome of a hash and signature check of a native
// signature.
type VerifyResult int

const (
	VerifySuccess VerifyResult = iota
	VerifyNotSigned
	VerifyInvalid
)

func (v VerifyResult) String() string {
	switch v {
	case VerifySuccess:
		return "Success"
	case VerifyNotSigned:
		return "NotSigned"
	case VerifyInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("VerifyResult(%d)", int(v))
	}
}

// NativeSignature is the package level signature object that backs a
// DigitalSignature once it has been signed.
type NativeSignature interface {
	ID() uuid.UUID
	Signer() *x509.Certificate
	SigningTime() time.Time
	Restrictions() Restriction
}

// Definition describes a requested signature that has not been applied yet.
type Definition struct {
	// SpotID correlates the request with the signature that fulfils it.
	// Definitions written by other tools may not carry one.
	SpotID          uuid.UUID `yaml:"spot-id,omitempty"`
	RequestedSigner string    `yaml:"requested-signer,omitempty"`
	Intent          string    `yaml:"intent,omitempty"`
	Location        string    `yaml:"location,omitempty"`
	SignBy          time.Time `yaml:"sign-by,omitempty"`

	// Document is the index of the document the definition belongs to.
	Document int `yaml:"-"`
}

// SignRequest is what a package needs to apply a new signature.
type SignRequest struct {
	ID          uuid.UUID
	Certificate *x509.Certificate

	// Chain holds the issuers of Certificate, closest issuer first.
	Chain        []*x509.Certificate
	Signer       crypto.Signer
	Restrictions Restriction
}

// DigitalSignature is one signature or signature request of a document.
type DigitalSignature struct {
	ID          uuid.UUID
	Certificate *x509.Certificate
	SubjectName string
	SignedOn    time.Time
	Reason      string
	Location    string
	State       State

	IsDocumentPropertiesRestricted bool
	IsAddingSignaturesRestricted   bool

	// Native is set once the signature has been applied to the package.
	Native NativeSignature

	// Key signs new signatures and Chain lists the issuers embedded with
	// them. Neither is read back from a package.
	Key   crypto.Signer
	Chain []*x509.Certificate
}

// Validate checks the model invariants.
func (s *DigitalSignature) Validate() error {
	if s.State == Valid && s.Certificate == nil {
		return fmt.Errorf("signature %s is valid without a certificate", s.ID)
	}
	return nil
}

// IsRequest reports whether the entry is a pending request.
func (s *DigitalSignature) IsRequest() bool {
	return s.State == NotSigned && s.Native == nil
}

// Restrictions returns the package restrictions matching the two intents.
func (s *DigitalSignature) Restrictions() Restriction {
	return RestrictionFor(s.IsDocumentPropertiesRestricted, s.IsAddingSignaturesRestricted)
}

// ChangeLogEntry records one side effect of a signing attempt so it can be
// undone.
type ChangeLogEntry struct {
	ID        uuid.UUID
	IsRequest bool
}

// SubjectNameOf returns a display name for a certificate subject.
func SubjectNameOf(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	switch {
	case cert.Subject.CommonName != "":
		return cert.Subject.CommonName
	case len(cert.EmailAddresses) > 0:
		return cert.EmailAddresses[0]
	case len(cert.Subject.Organization) > 0:
		return cert.Subject.Organization[0]
	default:
		return cert.Subject.String()
	}
}
