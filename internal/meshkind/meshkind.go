// Package meshkind defines the closed error-kind taxonomy shared across
// the mesh's components, so callers can dispatch on errors.Is/errors.As
// instead of matching strings.
package meshkind

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a MeshError.
type Kind string

const (
	Contention             Kind = "Contention"
	NotFound               Kind = "NotFound"
	IllegalTransition      Kind = "IllegalTransition"
	TerminalState          Kind = "TerminalState"
	DependencyCycle        Kind = "DependencyCycle"
	UnresolvedDependencies Kind = "UnresolvedDependencies"
	Frozen                 Kind = "Frozen"
	RaceLost               Kind = "RaceLost"
	StillRunning           Kind = "StillRunning"
	AlreadyHarvested       Kind = "AlreadyHarvested"
	AlreadyEnded           Kind = "AlreadyEnded"
	AdapterUnknown         Kind = "AdapterUnknown"
	AdapterPolicyDenied    Kind = "AdapterPolicyDenied"
	ChainBroken            Kind = "ChainBroken"
	IOTransient            Kind = "IOTransient"
)

// MeshError wraps an underlying error with a Kind and the operation that
// produced it.
type MeshError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *MeshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *MeshError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, meshkind.RaceLost) work by comparing kinds: the
// sentinel values below are compared by Kind equality, not identity.
func (e *MeshError) Is(target error) bool {
	k, ok := target.(kindSentinel)
	if !ok {
		return false
	}
	return e.Kind == Kind(k)
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// New builds a MeshError for the given kind and operation.
func New(kind Kind, op string, err error) *MeshError {
	return &MeshError{Kind: kind, Op: op, Err: err}
}

// Sentinel returns an error value usable with errors.Is to test a Kind,
// e.g. errors.Is(err, meshkind.Sentinel(meshkind.RaceLost)).
func Sentinel(k Kind) error { return kindSentinel(k) }

// IsKind reports whether err is (or wraps) a MeshError of kind k.
func IsKind(err error, k Kind) bool { return errors.Is(err, Sentinel(k)) }
