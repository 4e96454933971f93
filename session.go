// Package pkgsign signs, verifies and requests signatures on document
// packages.
//
// Basic usage:
//
//	s, err := pkgsign.Open("contract.pkg")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	report, err := s.Verify(ctx)
//
//	ok, err := s.Sign(key, cert, intermediates...).
//	    Reason("Approved").
//	    Location("Amsterdam").
//	    RestrictProperties().
//	    Commit(ctx)
//
// A Session is not safe for concurrent use. Certificate validation runs in
// the background and is handed back to the session by Verify.
package pkgsign

import (
	"context"
	"errors"

	evbus "github.com/asaskevich/EventBus"
	"github.com/digitorus/pkgsign/container"
	"github.com/digitorus/pkgsign/engine"
	"github.com/digitorus/pkgsign/pdfpkg"
	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/pkgsign/store"
	"go.uber.org/zap"
)

var (
	// ErrNotPermitted is returned when the signatures of a document forbid
	// the requested change.
	ErrNotPermitted = errors.New("not permitted by the signatures of the document")

	// ErrNoSaveAsPath is returned by a save-as without a destination.
	ErrNoSaveAsPath = errors.New("no destination for save as")
)

// Option configures a Session.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	bus       evbus.Bus
	checker   store.ChainChecker
	container []container.Option
}

// WithLogger sets the logger of the session and every component it builds.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBus publishes the engine events on bus.
func WithBus(bus evbus.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithChecker sets the certificate chain checker. The system roots without
// external revocation checks are used by default.
func WithChecker(checker store.ChainChecker) Option {
	return func(o *options) {
		o.checker = checker
	}
}

// WithPackageOptions configures how new signatures are created in a
// package.
func WithPackageOptions(opts ...container.Option) Option {
	return func(o *options) {
		o.container = append(o.container, opts...)
	}
}

// Session is an open document together with its signature store and
// status engine.
type Session struct {
	path      string
	store     *store.Store
	engine    *engine.Engine
	persister *persister
	logger    *zap.Logger
}

// Open opens the document package at path.
func Open(path string, opts ...Option) (*Session, error) {
	o := collect(opts)
	pkg, err := container.Open(path, append([]container.Option{container.WithLogger(o.logger)}, o.container...)...)
	if err != nil {
		return nil, err
	}
	return newSession(path, pkg, &persister{pkg: pkg}, pkg, o)
}

// OpenPDF opens the PDF at path. PDF sessions verify existing signatures
// but cannot change the document.
func OpenPDF(path string, opts ...Option) (*Session, error) {
	o := collect(opts)
	doc, err := pdfpkg.Open(path, pdfpkg.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return newSession(path, doc, &persister{}, nil, o)
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func newSession(path string, pkg store.Package, p *persister, props engine.PropertiesTracker, o options) (*Session, error) {
	storeOpts := []store.Option{store.WithLogger(o.logger)}
	if o.checker != nil {
		storeOpts = append(storeOpts, store.WithChecker(o.checker))
	}
	st, err := store.New(pkg, storeOpts...)
	if err != nil {
		return nil, err
	}

	engineOpts := []engine.Option{
		engine.WithLogger(o.logger),
		engine.WithPersister(p),
	}
	if o.bus != nil {
		engineOpts = append(engineOpts, engine.WithBus(o.bus))
	}
	if props != nil {
		engineOpts = append(engineOpts, engine.WithPropertiesTracker(props))
	}

	return &Session{
		path:      path,
		store:     st,
		engine:    engine.New(st, engineOpts...),
		persister: p,
		logger:    o.logger.With(zap.String("path", path)),
	}, nil
}

// Path returns the file the session was opened from.
func (s *Session) Path() string {
	return s.path
}

// Engine returns the status engine, for subscribing to its events.
func (s *Session) Engine() *engine.Engine {
	return s.engine
}

// Status returns the aggregate status of the last evaluation.
func (s *Session) Status() signature.State {
	return s.engine.Status()
}

// Signatures returns the signatures and signature requests of the document.
func (s *Session) Signatures() []*signature.DigitalSignature {
	return s.engine.Signatures()
}

// ensureVerified runs verification to completion once, so the policy that
// gates changes reflects the certificate status of every signer.
func (s *Session) ensureVerified(ctx context.Context) error {
	s.engine.VerifySignatures(ctx)
	return s.engine.WaitForVerification(ctx)
}

// persister saves a container package. A persister without a package
// belongs to a read-only document.
type persister struct {
	pkg    *container.Package
	saveAs string
}

func (p *persister) CanSave() bool {
	return p.pkg != nil && p.pkg.CanSave()
}

func (p *persister) Save(_ context.Context, saveAs bool) error {
	if p.pkg == nil {
		return pdfpkg.ErrReadOnly
	}
	if !saveAs {
		return p.pkg.Save()
	}
	if p.saveAs == "" {
		return ErrNoSaveAsPath
	}
	return p.pkg.SaveAs(p.saveAs)
}
