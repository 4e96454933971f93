package engine

import (
	"errors"
	"fmt"
)

// ErrCannotSave is returned when the document has no save target and the
// caller did not ask for a save-as.
var ErrCannotSave = errors.New("document cannot be saved")

// SigningError reports a failed signing attempt. The changes made by the
// attempt have been undone.
type SigningError struct {
	Msg string
	Err error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// SaveError reports that the document could not be saved after it was
// changed. RolledBack tells whether the change was undone.
type SaveError struct {
	Err        error
	RolledBack bool
}

func (e *SaveError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("failed to save document, changes undone: %v", e.Err)
	}
	return fmt.Sprintf("failed to save document: %v", e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}
