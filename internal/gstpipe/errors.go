package gstpipe

import (
	"errors"
	"fmt"
)

// ErrNoBackend is returned when backend auto-detection exhausts every
// candidate encoder without finding an installed plugin.
var ErrNoBackend = errors.New("no usable encoder backend found")

// Stage names the section of the graph a construction error belongs to.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageDecode    Stage = "decode"
	StageTransform Stage = "transform"
	StageEgress    Stage = "egress"
)

// MissingElementError reports an element that could not be created, which
// almost always means the plugin package is not installed on the host.
type MissingElementError struct {
	Stage   Stage
	Element string
	Err     error
}

func (e *MissingElementError) Error() string {
	return fmt.Sprintf("%s stage: element %q unavailable (missing plugin?): %v", e.Stage, e.Element, e.Err)
}

func (e *MissingElementError) Unwrap() error { return e.Err }

// LinkError reports a failed static link between two elements, usually a
// caps negotiation mismatch.
type LinkError struct {
	From string
	To   string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("failed to link %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
