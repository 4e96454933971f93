package engine

import (
	"context"

	"github.com/digitorus/pkgsign/certstatus"
	"go.uber.org/zap"
)

// VerifySignatures verifies the document once. The hash check runs on the
// calling goroutine. Certificate validation runs in the background on a
// copy of the certificates; its table arrives on Results. An unsigned
// document gets an empty table right away. Either way the document is
// evaluated before returning.
//
// ctx bounds the network checks of the background validation. There is no
// way to abandon the validation itself.
func (e *Engine) VerifySignatures(ctx context.Context) {
	if e.verified {
		return
	}
	e.verified = true

	if !e.store.IsSigned() {
		e.apply(certstatus.Table{})
		e.Evaluate()
		return
	}

	e.store.VerifySignatures()

	certs := e.store.GetAllCertificates()
	material := e.store.CertificateMaterial().Clone()
	e.verifying = true
	e.logger.Debug("certificate validation started", zap.Int("certificates", len(certs)))

	go func() {
		e.results <- e.store.GetCertificateStatus(ctx, certs, material)
	}()
	e.Evaluate()
}

// Verifying reports whether background certificate validation has not been
// applied yet.
func (e *Engine) Verifying() bool {
	return e.verifying
}

// Results delivers the table computed by the background validation. Pass it
// to Apply on the goroutine that owns the engine.
func (e *Engine) Results() <-chan certstatus.Table {
	return e.results
}

// Apply installs a table received from Results and re-evaluates. Entries
// already present, such as a signer trusted when it was selected, are kept.
func (e *Engine) Apply(table certstatus.Table) {
	e.verifying = false
	e.apply(table)
	e.logger.Debug("certificate validation applied", zap.Int("certificates", len(table)))
	e.Evaluate()
}

func (e *Engine) apply(table certstatus.Table) {
	merged := table.Clone()
	if merged == nil {
		merged = certstatus.Table{}
	}
	merged.Merge(e.table)
	e.table = merged
}

// WaitForVerification blocks until the background validation completes and
// applies its result. It returns immediately when nothing is running.
func (e *Engine) WaitForVerification(ctx context.Context) error {
	if !e.verifying {
		return nil
	}
	select {
	case table := <-e.results:
		e.Apply(table)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
