package unpack

import (
	"fmt"

	"github.com/bibin-skaria/ocirootfs/digest"
)

// Phase names the step of layer application that failed.
type Phase string

const (
	// PhaseFetch covers opening the layer blob.
	PhaseFetch Phase = "fetch"
	// PhaseEntries covers advancing through the entry stream.
	PhaseEntries Phase = "entries"
	// PhaseEntry covers reading a single entry's payload.
	PhaseEntry Phase = "entry"
	// PhaseEntryPath covers decoding an entry's logical path.
	PhaseEntryPath Phase = "entry-path"
	// PhaseExtract covers the filesystem mutation itself.
	PhaseExtract Phase = "extract"
	// PhaseHook covers PreApply and PostApply.
	PhaseHook Phase = "hook"
)

// Error is returned by the engine for any failure while applying a layer.
type Error struct {
	Phase Phase
	Layer digest.Digest
	Path  string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed", e.Phase)
	if !e.Layer.IsZero() {
		msg = fmt.Sprintf("layer %s: %s", e.Layer, msg)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s for %s", msg, e.Path)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TraversalError reports an entry path that would leave the root
// filesystem. Implementations of Unpacker return it before mutating
// anything.
type TraversalError struct {
	Path string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("attempted filesystem traversal: %s", e.Path)
}
