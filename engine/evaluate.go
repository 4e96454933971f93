package engine

import (
	"github.com/digitorus/pkgsign/signature"
	"go.uber.org/zap"
)

// Evaluate recomputes the document status and policy from the signature
// states and the certificate status table, then publishes a StatusChange.
// Calling it again without changes yields the same result.
func (e *Engine) Evaluate() signature.State {
	status, policy := e.evaluate()
	e.status, e.policy = status, policy

	e.logger.Debug("status evaluated",
		zap.Stringer("status", status),
		zap.Stringer("policy", policy))
	e.bus.Publish(TopicStatusChanged, StatusChange{
		Status:    status,
		Policy:    policy,
		Resources: ResourcesFor(status),
	})
	return status
}

func (e *Engine) evaluate() (signature.State, signature.Policy) {
	if !e.store.IsSigned() {
		return signature.NotSigned, signature.AllowAll
	}
	if !e.table.Covers(e.store.GetAllCertificates()) {
		return signature.Undetermined, signature.AllowNothing
	}

	sigs := e.store.Signatures()
	if !e.store.IsSignable() {
		for _, sig := range sigs {
			if sig.Native != nil {
				sig.State = signature.Unverifiable
			}
		}
		return signature.Invalid, signature.AllowAll
	}

	policy := signature.AllowAll
	valid := true
	for _, sig := range sigs {
		trusted := e.CertificateStatus(sig) == signature.Ok
		ok := sig.State == signature.Valid && trusted
		if ok || (trusted && e.brokenByProperties[sig.ID]) {
			if sig.IsDocumentPropertiesRestricted {
				policy = policy.Without(signature.ModifyDocumentProperties)
			}
			if sig.IsAddingSignaturesRestricted {
				policy = policy.Without(signature.AllowSigning)
			}
		}
		valid = valid && (ok || sig.State == signature.NotSigned)
	}

	if !policy.Has(signature.ModifyDocumentProperties) && e.props != nil && e.props.PropertiesChanged() {
		for _, sig := range sigs {
			if sig.IsDocumentPropertiesRestricted && sig.Native != nil {
				sig.State = signature.Invalid
				e.brokenByProperties[sig.ID] = true
			}
		}
		valid = false
	}

	if valid {
		return signature.Valid, policy
	}
	return signature.Invalid, policy
}
