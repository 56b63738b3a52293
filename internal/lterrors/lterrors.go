// Package lterrors defines the error taxonomy shared across LifeTrace's
// background components (spec §7: transient I/O, data-shape, programmer
// error, external-oracle-unavailable). Callers switch on Kind to decide
// whether to retry, skip, or abort.
package lterrors

import "errors"

// Kind classifies an error for the caller's recovery policy.
type Kind int

const (
	// KindUnknown is the zero value; Of returns it for errors with no
	// attached Kind.
	KindUnknown Kind = iota
	// KindTransient covers disk-full, permission flicker, OCR/probe
	// timeouts: log at warn, abort only the current tick, retry next run.
	KindTransient
	// KindDataShape covers malformed config, missing keys, invalid todo
	// times: log at error, surface to the caller, no silent default.
	KindDataShape
	// KindProgrammer covers broken job function references and assertion
	// violations: log at error with a stack, the scheduler continues past
	// it but process-wide assertions exit(1).
	KindProgrammer
	// KindOracleUnavailable covers the LLM/embedding/ASR collaborator being
	// unreachable: callers degrade to a fallback rather than fail the tick.
	KindOracleUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDataShape:
		return "data-shape"
	case KindProgrammer:
		return "programmer"
	case KindOracleUnavailable:
		return "oracle-unavailable"
	default:
		return "unknown"
	}
}

// kindError wraps an error with a Kind, preserving Unwrap for errors.Is/As.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Kind() Kind     { return e.kind }

// Wrap attaches kind to err. Wrapping a nil error returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Transient is a convenience constructor for KindTransient.
func Transient(err error) error { return Wrap(KindTransient, err) }

// DataShape is a convenience constructor for KindDataShape.
func DataShape(err error) error { return Wrap(KindDataShape, err) }

// Programmer is a convenience constructor for KindProgrammer.
func Programmer(err error) error { return Wrap(KindProgrammer, err) }

// OracleUnavailable is a convenience constructor for KindOracleUnavailable.
func OracleUnavailable(err error) error { return Wrap(KindOracleUnavailable, err) }

// kinder is implemented by errors that carry a Kind.
type kinder interface {
	Kind() Kind
}

// Of returns the Kind attached to err (by Wrap or a wrapping chain), or
// KindUnknown if none is found.
func Of(err error) Kind {
	var ke kinder
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return KindUnknown
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
