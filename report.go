package pkgsign

import (
	"context"
	"time"

	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
)

// Report is the verification result of a document.
type Report struct {
	Status     signature.State
	Policy     signature.Policy
	Signatures []SignatureReport
}

// SignatureReport describes one signature or signature request.
type SignatureReport struct {
	ID                uuid.UUID
	Signer            string
	SignedOn          time.Time
	Reason            string
	Location          string
	Request           bool
	State             signature.State
	CertificateStatus signature.CertificateStatus

	RestrictsProperties bool
	RestrictsSigning    bool
}

// Valid reports whether the document is signed and every signature is
// valid.
func (r *Report) Valid() bool {
	return r.Status == signature.Valid
}

// Verify checks every signature and waits for certificate validation to
// finish. Only the first call does the work; later calls report the
// current state.
func (s *Session) Verify(ctx context.Context) (*Report, error) {
	if err := s.ensureVerified(ctx); err != nil {
		return nil, err
	}
	return s.Report(), nil
}

// Report describes the current state without verifying.
func (s *Session) Report() *Report {
	r := &Report{
		Status: s.engine.Status(),
		Policy: s.engine.Policy(),
	}
	for _, sig := range s.engine.Signatures() {
		entry := SignatureReport{
			ID:                  sig.ID,
			Signer:              sig.SubjectName,
			SignedOn:            sig.SignedOn,
			Reason:              sig.Reason,
			Location:            sig.Location,
			Request:             sig.IsRequest(),
			State:               sig.State,
			CertificateStatus:   s.engine.CertificateStatus(sig),
			RestrictsProperties: sig.IsDocumentPropertiesRestricted,
			RestrictsSigning:    sig.IsAddingSignaturesRestricted,
		}
		r.Signatures = append(r.Signatures, entry)
	}
	return r
}
