package certstatus

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/digitorus/pkgsign/revocation"
	"github.com/digitorus/pkgsign/signature"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds the check of a single certificate, including any
// OCSP or CRL requests.
const DefaultTimeout = 10 * time.Second

// DefaultConcurrency is the number of certificates checked in parallel.
const DefaultConcurrency = 4

// Options configures a Checker.
type Options struct {
	// Roots are the trusted root certificates. When nil the system pool is
	// used.
	Roots *x509.CertPool

	// AllowUntrustedRoots accepts chains ending in a self-signed certificate
	// carried by the signatures themselves.
	// WARNING: only enable this when the embedded certificates are trusted by
	// other means.
	AllowUntrustedRoots bool

	// Fetcher performs external OCSP and CRL lookups for certificates without
	// embedded revocation data. Nil disables external checks.
	Fetcher *revocation.Fetcher

	// Timeout bounds the check of a single certificate. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// Concurrency limits parallel certificate checks. Zero means
	// DefaultConcurrency.
	Concurrency int

	// Now returns the validation time. Nil means time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

// DefaultOptions returns options validating against the system roots without
// external revocation checks.
func DefaultOptions() Options {
	return Options{
		Timeout:     DefaultTimeout,
		Concurrency: DefaultConcurrency,
	}
}

// Checker builds certificate chains and reports their status. It is safe for
// concurrent use.
type Checker struct {
	opts   Options
	logger *zap.Logger
}

// NewChecker returns a checker using opts.
func NewChecker(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		opts:   opts,
		logger: logger.With(zap.String("component", "certstatus")),
	}
}

// Statuses classifies every certificate in certs. The returned table always
// holds an entry for each of them; chain problems are never reported as
// errors.
func (c *Checker) Statuses(ctx context.Context, certs []*x509.Certificate, material Material) Table {
	results := make([]signature.CertificateStatus, len(certs))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, cert := range certs {
		i, cert := i, cert
		g.Go(func() error {
			flags := c.Check(ctx, cert, material)
			results[i] = Classify(flags)
			c.logger.Debug("certificate checked",
				zap.String("subject", cert.Subject.String()),
				zap.Stringer("flags", flags),
				zap.Stringer("status", results[i]))
			return nil
		})
	}
	_ = g.Wait()

	table := make(Table, len(certs))
	for i, cert := range certs {
		table.Set(cert, results[i])
	}
	return table
}

// Check builds a chain for cert and returns every problem found along the
// way.
func (c *Checker) Check(ctx context.Context, cert *x509.Certificate, material Material) ChainStatus {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	intermediates := x509.NewCertPool()
	for _, ic := range material.Intermediates {
		if !ic.Equal(cert) {
			intermediates.AddCert(ic)
		}
	}

	chain, flags := c.build(cert, intermediates, material, c.opts.Now())
	if flags.Has(NotTimeValid) {
		// Rebuild inside the validity window of the leaf so other problems
		// are still reported.
		var more ChainStatus
		chain, more = c.build(cert, intermediates, material, validityMidpoint(cert))
		flags |= more
	}

	if len(chain) > 1 {
		flags |= c.revocationStatus(ctx, chain, material)
	}
	return flags
}

func (c *Checker) build(cert *x509.Certificate, intermediates *x509.CertPool, material Material, at time.Time) ([]*x509.Certificate, ChainStatus) {
	opts := x509.VerifyOptions{
		Roots:         c.opts.Roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   at,
	}

	chains, err := cert.Verify(opts)
	if err == nil {
		return chains[0], NoError
	}
	if !isUnknownAuthority(err) {
		return nil, flagsFor(err)
	}

	// Look for a chain ending in a self-signed certificate we carry.
	embedded := x509.NewCertPool()
	var found bool
	for _, candidate := range append([]*x509.Certificate{cert}, material.Intermediates...) {
		if isSelfSigned(candidate) {
			embedded.AddCert(candidate)
			found = true
		}
	}
	if !found {
		return nil, PartialChain
	}

	opts.Roots = embedded
	chains, err = cert.Verify(opts)
	switch {
	case err == nil && c.opts.AllowUntrustedRoots:
		return chains[0], NoError
	case err == nil:
		return chains[0], UntrustedRoot
	case isUnknownAuthority(err):
		return nil, PartialChain
	default:
		return nil, PartialChain | flagsFor(err)
	}
}

func (c *Checker) revocationStatus(ctx context.Context, chain []*x509.Certificate, material Material) ChainStatus {
	var flags ChainStatus
	for i := 0; i+1 < len(chain); i++ {
		subject, issuer := chain[i], chain[i+1]

		status := material.Revocation.Status(subject, issuer)
		if status == revocation.Unknown && c.opts.Fetcher != nil {
			fetched, err := c.opts.Fetcher.Check(ctx, subject, issuer)
			switch {
			case err == nil:
				status = fetched
			case errors.Is(err, revocation.ErrNoResponder):
			default:
				c.logger.Debug("revocation check failed",
					zap.String("subject", subject.Subject.String()),
					zap.Error(err))
				flags |= OfflineRevocation
			}
		}

		switch status {
		case revocation.Revoked:
			flags |= Revoked
		case revocation.Unknown:
			flags |= RevocationStatusUnknown
		}
	}
	return flags
}

// flagsFor maps a crypto/x509 verification error to chain status flags.
func flagsFor(err error) ChainStatus {
	var invalid x509.CertificateInvalidError
	var critical x509.UnhandledCriticalExtension
	var insecure x509.InsecureAlgorithmError

	switch {
	case errors.As(err, &invalid):
		switch invalid.Reason {
		case x509.Expired:
			return NotTimeValid
		case x509.NotAuthorizedToSign, x509.TooManyIntermediates:
			return InvalidBasicConstraints
		case x509.CANotAuthorizedForThisName:
			return HasNotPermittedNameConstraint
		case x509.UnconstrainedName:
			return HasNotSupportedNameConstraint
		case x509.NameConstraintsWithoutSANs:
			return HasNotDefinedNameConstraint
		case x509.IncompatibleUsage, x509.CANotAuthorizedForExtKeyUsage:
			return NotValidForUsage
		case x509.NameMismatch:
			return PartialChain
		default:
			return NotSignatureValid
		}
	case errors.As(err, &critical):
		return InvalidExtension
	case errors.As(err, &insecure):
		return HasWeakSignature
	default:
		return NotSignatureValid
	}
}

func isUnknownAuthority(err error) bool {
	var unknown x509.UnknownAuthorityError
	var system x509.SystemRootsError
	return errors.As(err, &unknown) || errors.As(err, &system)
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject) && cert.CheckSignatureFrom(cert) == nil
}

func validityMidpoint(cert *x509.Certificate) time.Time {
	return cert.NotBefore.Add(cert.NotAfter.Sub(cert.NotBefore) / 2)
}
