package container

import "fmt"

// StructureError reports a malformed or inconsistent package.
type StructureError struct {
	Part string
	Msg  string
	Err  error
}

func (e *StructureError) Error() string {
	msg := e.Msg
	if e.Part != "" {
		msg = fmt.Sprintf("%s: %s", e.Part, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StructureError) Unwrap() error {
	return e.Err
}
