// Package fakepkg provides an in-memory package library for tests.
package fakepkg

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
)

// Signature is an applied signature held by a Package.
type Signature struct {
	SpotID       uuid.UUID
	Cert         *x509.Certificate
	Time         time.Time
	Restrict     signature.Restriction
	Chain        []*x509.Certificate
	Revocation   revocation.InfoArchival
	VerifyResult signature.VerifyResult
}

func (s *Signature) ID() uuid.UUID                       { return s.SpotID }
func (s *Signature) Signer() *x509.Certificate           { return s.Cert }
func (s *Signature) SigningTime() time.Time              { return s.Time }
func (s *Signature) Restrictions() signature.Restriction { return s.Restrict }

func (s *Signature) Certificates() []*x509.Certificate { return s.Chain }

func (s *Signature) RevocationInfo() revocation.InfoArchival { return s.Revocation }

// Package is a package library double. The exported fields may be changed
// between calls to inject failures.
type Package struct {
	mu sync.Mutex

	Documents   int
	Sigs        []*Signature
	Defs        []signature.Definition
	SignableErr error
	SignErr     error
	// Now stamps new signatures. Nil means time.Now.
	Now func() time.Time

	// Calls counts invocations per method name.
	Calls map[string]int
}

// New returns a package with a single document.
func New() *Package {
	return &Package{Documents: 1, Calls: make(map[string]int)}
}

func (p *Package) called(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Calls == nil {
		p.Calls = make(map[string]int)
	}
	p.Calls[name]++
}

// CallCount returns how often the named method was called.
func (p *Package) CallCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[name]
}

func (p *Package) DocumentCount() int { return p.Documents }

func (p *Package) Signatures() []signature.NativeSignature {
	out := make([]signature.NativeSignature, 0, len(p.Sigs))
	for _, s := range p.Sigs {
		out = append(out, s)
	}
	return out
}

func (p *Package) Definitions() []signature.Definition {
	return append([]signature.Definition(nil), p.Defs...)
}

func (p *Package) CheckSignable() error {
	p.called("CheckSignable")
	return p.SignableErr
}

func (p *Package) Sign(ctx context.Context, req signature.SignRequest) (signature.NativeSignature, error) {
	p.called("Sign")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.SignErr != nil {
		return nil, p.SignErr
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	s := &Signature{
		SpotID:       req.ID,
		Cert:         req.Certificate,
		Time:         now(),
		Restrict:     req.Restrictions,
		VerifyResult: signature.VerifySuccess,
	}
	p.Sigs = append(p.Sigs, s)
	return s, nil
}

func (p *Package) RemoveSignature(id uuid.UUID) error {
	p.called("RemoveSignature")
	for i, s := range p.Sigs {
		if s.SpotID == id {
			p.Sigs = append(p.Sigs[:i], p.Sigs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("signature %s: %w", id, signature.ErrNotFound)
}

func (p *Package) AddDefinition(def signature.Definition) error {
	p.called("AddDefinition")
	if p.HasDefinition(def.SpotID) {
		return fmt.Errorf("definition %s already exists", def.SpotID)
	}
	p.Defs = append(p.Defs, def)
	return nil
}

func (p *Package) RemoveDefinition(id uuid.UUID) error {
	p.called("RemoveDefinition")
	for i, d := range p.Defs {
		if d.SpotID == id {
			p.Defs = append(p.Defs[:i], p.Defs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("definition %s: %w", id, signature.ErrNotFound)
}

func (p *Package) HasDefinition(id uuid.UUID) bool {
	for _, d := range p.Defs {
		if d.SpotID == id {
			return true
		}
	}
	return false
}

func (p *Package) Verify(native signature.NativeSignature) signature.VerifyResult {
	p.called("Verify")
	s, ok := native.(*Signature)
	if !ok {
		return signature.VerifyInvalid
	}
	return s.VerifyResult
}

// Persister is a save target double.
type Persister struct {
	mu         sync.Mutex
	SaveErr    error
	Unsaveable bool
	Saves      int
	SaveAs     []bool
}

func (p *Persister) CanSave() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unsaveable
}

func (p *Persister) Save(ctx context.Context, saveAs bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Saves++
	p.SaveAs = append(p.SaveAs, saveAs)
	return p.SaveErr
}
