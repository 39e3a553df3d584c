package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound marks engine failures caused by the target container no longer
// existing. Wrapped by EngineError; check with IsNotFound.
var ErrNotFound = errors.New("no such container")

// BuildError reports a failed image build, carrying the engine's own
// description of the failing step.
type BuildError struct {
	Tag    string
	Detail string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("build image %s: %s", e.Tag, e.Detail)
	}
	return fmt.Sprintf("build image %s: %v", e.Tag, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// EngineError reports any other failed engine call.
type EngineError struct {
	Op  string // engine operation, e.g. "create", "stop", "exec"
	ID  string // container id, if known
	Err error
}

func (e *EngineError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("engine %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an engine failure caused by the
// container no longer existing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
