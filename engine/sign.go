package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/digitorus/pkgsign/certstatus"
	"github.com/digitorus/pkgsign/signature"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignDocument signs the document with sig and saves it. The signer
// certificate is trusted on selection and recorded as Ok. The first
// signature of a document is registered as a request before signing.
//
// A failed signing attempt or save undoes every change. A signing attempt
// the user cancelled is undone as well but returns no error. The result
// reports whether signing and saving both succeeded.
func (e *Engine) SignDocument(ctx context.Context, sig *signature.DigitalSignature, saveAs bool) (bool, error) {
	if sig.Certificate != nil {
		if e.table == nil {
			e.table = certstatus.Table{}
		}
		e.table.Set(sig.Certificate, signature.Ok)
	}

	if !e.store.IsSigned() && sig.ID == uuid.Nil {
		id, err := e.store.AddRequestSignature(sig)
		if err != nil {
			return false, &SigningError{Msg: "failed to register signature", Err: err}
		}
		e.changeLog = append(e.changeLog, signature.ChangeLogEntry{ID: id, IsRequest: true})
	}
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}

	e.changeLog = append(e.changeLog, signature.ChangeLogEntry{ID: sig.ID})
	if err := e.store.SignDocument(ctx, sig); err != nil {
		undoErr := e.UndoChanges()
		if errors.Is(err, signature.ErrCancelled) {
			e.logger.Info("signing cancelled", zap.Stringer("id", sig.ID))
			return false, undoErr
		}
		e.logger.Error("signing failed", zap.Stringer("id", sig.ID), zap.Error(err))
		return false, errors.Join(&SigningError{Msg: "failed to sign document", Err: err}, undoErr)
	}
	e.publishSignaturesChanged()

	if err := e.save(ctx, saveAs); err != nil {
		return false, err
	}

	e.invalidateCoSignatures(sig)
	e.Evaluate()
	return true, nil
}

// invalidateCoSignatures marks the signatures that forbid further signing
// as invalid now that sig has been added.
func (e *Engine) invalidateCoSignatures(added *signature.DigitalSignature) {
	for _, sig := range e.store.Signatures() {
		if sig == added || sig.Native == nil || !sig.IsAddingSignaturesRestricted {
			continue
		}
		if sig.State == signature.Valid {
			sig.State = signature.Invalid
			e.logger.Info("signature invalidated by a later signature", zap.Stringer("id", sig.ID))
		}
	}
}

// save commits the change log, or undoes it when the document cannot be
// saved.
func (e *Engine) save(ctx context.Context, saveAs bool) error {
	if e.persister == nil {
		e.changeLog = nil
		return nil
	}

	err := ErrCannotSave
	if saveAs || e.persister.CanSave() {
		err = e.persister.Save(ctx, saveAs)
	}
	if err != nil {
		e.logger.Error("save failed, undoing changes", zap.Error(err))
		undoErr := e.UndoChanges()
		e.publishSignaturesChanged()
		e.Evaluate()
		return errors.Join(&SaveError{Err: err, RolledBack: true}, undoErr)
	}

	e.changeLog = nil
	return nil
}

// UndoChanges replays the change log in order, removing requests and
// signatures it recorded, and clears it.
func (e *Engine) UndoChanges() error {
	var errs []error
	for _, entry := range e.changeLog {
		var err error
		if entry.IsRequest {
			err = e.store.RemoveRequestSignature(entry.ID)
		} else {
			err = e.store.UnsignDocument(entry.ID)
		}
		if err != nil {
			e.logger.Error("failed to undo change", zap.Stringer("id", entry.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	e.changeLog = nil
	return errors.Join(errs...)
}

// ChangeLog returns the pending changes.
func (e *Engine) ChangeLog() []signature.ChangeLogEntry {
	return append([]signature.ChangeLogEntry(nil), e.changeLog...)
}

// RequestSignature adds a signature request and saves the document. The
// request is removed again when the save fails.
func (e *Engine) RequestSignature(ctx context.Context, sig *signature.DigitalSignature, saveAs bool) (bool, error) {
	id, err := e.store.AddRequestSignature(sig)
	if err != nil {
		return false, fmt.Errorf("failed to request signature: %w", err)
	}
	e.changeLog = append(e.changeLog, signature.ChangeLogEntry{ID: id, IsRequest: true})
	e.publishSignaturesChanged()

	if err := e.save(ctx, saveAs); err != nil {
		return false, err
	}
	e.Evaluate()
	return true, nil
}

// WithdrawRequest removes the signature request with id and saves the
// document. The request is restored to its document and position when the
// save fails.
func (e *Engine) WithdrawRequest(ctx context.Context, id uuid.UUID) (bool, error) {
	if _, ok := e.findRequest(id); !ok {
		return false, fmt.Errorf("request %s: %w", id, signature.ErrNotFound)
	}

	removed, err := e.store.TakeRequest(id)
	if err != nil {
		return false, err
	}
	e.publishSignaturesChanged()

	if err := e.save(ctx, false); err != nil {
		if restoreErr := e.store.RestoreRequest(removed); restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
		e.publishSignaturesChanged()
		return false, err
	}
	e.Evaluate()
	return true, nil
}

func (e *Engine) findRequest(id uuid.UUID) (*signature.DigitalSignature, bool) {
	for _, sig := range e.store.Signatures() {
		if sig.ID == id && sig.IsRequest() {
			return sig, true
		}
	}
	return nil, false
}

// RemoveSignature removes an applied signature and saves the document. A
// removed signature cannot be restored, so the document must be saveable
// before anything is changed.
func (e *Engine) RemoveSignature(ctx context.Context, id uuid.UUID) (bool, error) {
	sig, ok := e.store.FindByID(id)
	if !ok || sig.Native == nil {
		return false, fmt.Errorf("signature %s: %w", id, signature.ErrNotFound)
	}
	if e.persister != nil && !e.persister.CanSave() {
		return false, &SaveError{Err: ErrCannotSave}
	}

	if err := e.store.UnsignDocument(id); err != nil {
		return false, err
	}
	e.publishSignaturesChanged()

	if e.persister != nil {
		if err := e.persister.Save(ctx, false); err != nil {
			e.logger.Error("save failed after removing a signature", zap.Stringer("id", id), zap.Error(err))
			e.Evaluate()
			return false, &SaveError{Err: err}
		}
	}
	e.Evaluate()
	return true, nil
}
