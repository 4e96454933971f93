// Package engine evaluates the aggregate signature status and action policy
// of a document, runs certificate validation in the background and applies
// signing operations with rollback on failure.
//
// An Engine belongs to the goroutine that owns the document. The only
// cross-goroutine handoff is the certificate status table produced by
// VerifySignatures, which is delivered on the Results channel and applied
// with Apply or WaitForVerification.
package engine

import (
	"context"

	evbus "github.com/asaskevich/EventBus"
	"github.com/digitorus/pkgsign/certstatus"
	"github.com/digitorus/pkgsign/signature"
	"github.com/digitorus/pkgsign/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event topics published on the bus.
const (
	TopicStatusChanged     = "signature:status-changed"
	TopicSignaturesChanged = "signature:signatures-changed"
)

// Persister saves the document after a change.
type Persister interface {
	CanSave() bool
	Save(ctx context.Context, saveAs bool) error
}

// PropertiesTracker reports whether the document properties changed since
// the document was opened.
type PropertiesTracker interface {
	PropertiesChanged() bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithBus publishes events on bus instead of a private bus.
func WithBus(bus evbus.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithPersister sets the save target. Without one, changes are committed
// in memory only.
func WithPersister(p Persister) Option {
	return func(e *Engine) {
		e.persister = p
	}
}

// WithPropertiesTracker enables invalidation of signatures that restrict
// document properties once the properties have changed.
func WithPropertiesTracker(t PropertiesTracker) Option {
	return func(e *Engine) {
		e.props = t
	}
}

// Engine is the signature status engine of one document.
type Engine struct {
	store     *store.Store
	bus       evbus.Bus
	persister Persister
	props     PropertiesTracker
	logger    *zap.Logger

	status signature.State
	policy signature.Policy

	// table is nil until verification has completed.
	table     certstatus.Table
	verifying bool
	verified  bool
	results   chan certstatus.Table

	// brokenByProperties remembers signatures invalidated by changed
	// properties so their restrictions keep counting in later evaluations.
	brokenByProperties map[uuid.UUID]bool

	changeLog []signature.ChangeLogEntry
}

// New returns an engine for the document behind s.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		status:             signature.Unknown,
		policy:             signature.AllowAll,
		results:            make(chan certstatus.Table, 1),
		brokenByProperties: make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = evbus.New()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	return e
}

// Resources are the display hints that go with a status.
type Resources struct {
	Icon    string
	Summary string
}

// ResourcesFor returns the display hints for status.
func ResourcesFor(status signature.State) Resources {
	switch status {
	case signature.NotSigned:
		return Resources{Icon: "unsigned", Summary: "This document is not signed."}
	case signature.Valid:
		return Resources{Icon: "valid", Summary: "All signatures in this document are valid."}
	case signature.Invalid:
		return Resources{Icon: "invalid", Summary: "One or more signatures in this document are invalid."}
	case signature.Undetermined:
		return Resources{Icon: "pending", Summary: "Signature certificates are being verified."}
	case signature.Unverifiable:
		return Resources{Icon: "unverifiable", Summary: "The signatures in this document cannot be verified."}
	default:
		return Resources{Icon: "unknown", Summary: "The signature status is unknown."}
	}
}

// StatusChange is published on TopicStatusChanged after every evaluation.
type StatusChange struct {
	Status    signature.State
	Policy    signature.Policy
	Resources Resources
}

// OnStatusChange subscribes fn to status changes. The returned function
// removes the subscription. Handlers run synchronously while the bus is
// locked and must not call back into the engine.
func (e *Engine) OnStatusChange(fn func(StatusChange)) (func(), error) {
	return e.subscribe(TopicStatusChanged, fn)
}

// OnSignaturesChanged subscribes fn to changes of the signature collection.
func (e *Engine) OnSignaturesChanged(fn func([]*signature.DigitalSignature)) (func(), error) {
	return e.subscribe(TopicSignaturesChanged, fn)
}

func (e *Engine) subscribe(topic string, fn interface{}) (func(), error) {
	if err := e.bus.Subscribe(topic, fn); err != nil {
		return nil, err
	}
	return func() {
		_ = e.bus.Unsubscribe(topic, fn)
	}, nil
}

func (e *Engine) publishSignaturesChanged() {
	e.bus.Publish(TopicSignaturesChanged, e.store.Signatures())
}

// Status returns the result of the last evaluation.
func (e *Engine) Status() signature.State {
	return e.status
}

// Policy returns the actions permitted by the last evaluation.
func (e *Engine) Policy() signature.Policy {
	return e.policy
}

// IsSigningAllowedByPolicy reports whether the last evaluation permits flag.
func (e *Engine) IsSigningAllowedByPolicy(flag signature.Policy) bool {
	return e.policy.Has(flag)
}

// Pending reports whether the current lockdown is temporary because
// certificate validation has not completed yet. A document that failed
// verification or the signability check is locked for good.
func (e *Engine) Pending() bool {
	return e.status == signature.Undetermined
}

// CertificateStatus returns the chain status of the signer of sig.
func (e *Engine) CertificateStatus(sig *signature.DigitalSignature) signature.CertificateStatus {
	if sig.Certificate == nil {
		return signature.NoCertificate
	}
	status, ok := e.table.Lookup(sig.Certificate)
	if !ok {
		return signature.Verifying
	}
	return status
}

func (e *Engine) IsSigned() bool    { return e.store.IsSigned() }
func (e *Engine) IsSignable() bool  { return e.store.IsSignable() }
func (e *Engine) HasRequests() bool { return e.store.HasRequests() }

// Signatures returns the signature collection of the document.
func (e *Engine) Signatures() []*signature.DigitalSignature {
	return e.store.Signatures()
}
