// Package pkgerrors defines the typed failures the packing engine raises.
//
// The engine never panics on malformed input and never calls os.Exit; every
// fallible operation returns one of the error kinds below (or wraps one),
// and callers discriminate with errors.As.
package pkgerrors

import "fmt"

// CantPack means the input is structurally unsuited for packing and the
// engine refuses rather than producing a broken image.
type CantPack struct {
	Reason string
	Err    error
}

func (e *CantPack) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("CantPack: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("CantPack: %s", e.Reason)
}

func (e *CantPack) Unwrap() error { return e.Err }

// NewCantPack builds a CantPack with no wrapped cause.
func NewCantPack(reason string) *CantPack { return &CantPack{Reason: reason} }

// WrapCantPack builds a CantPack around an underlying error.
func WrapCantPack(reason string, err error) *CantPack { return &CantPack{Reason: reason, Err: err} }

// CantPackExact is raised when --exact is requested; the packer always
// changes padding/ordering and can never guarantee a byte-identical
// round-trip.
type CantPackExact struct{}

func (e *CantPackExact) Error() string {
	return "CantPackExact: exact round-trip requested but the packer cannot guarantee one"
}

// AlreadyPackedByUPX is raised when the first section of the input is
// already named "UPX" (or a close prefix of it).
type AlreadyPackedByUPX struct {
	SectionName string
}

func (e *AlreadyPackedByUPX) Error() string {
	return fmt.Sprintf("AlreadyPackedByUPX: first section %q looks already packed", e.SectionName)
}

// CantUnpack means corruption was detected while reconstructing an image;
// every bounds/span violation raises this, never undefined behavior.
type CantUnpack struct {
	Reason string
	Err    error
}

func (e *CantUnpack) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("CantUnpack: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("CantUnpack: %s", e.Reason)
}

func (e *CantUnpack) Unwrap() error { return e.Err }

// NewCantUnpack builds a CantUnpack with no wrapped cause.
func NewCantUnpack(reason string) *CantUnpack { return &CantUnpack{Reason: reason} }

// WrapCantUnpack builds a CantUnpack around an underlying error.
func WrapCantUnpack(reason string, err error) *CantUnpack {
	return &CantUnpack{Reason: reason, Err: err}
}

// NotCompressible means the best achievable ratio did not improve on the
// source; packing is abandoned, not forced.
type NotCompressible struct{}

func (e *NotCompressible) Error() string {
	return "NotCompressible: compressed size did not improve on the source"
}

// NewNotCompressible builds a NotCompressible error.
func NewNotCompressible() *NotCompressible { return &NotCompressible{} }

// InternalError indicates a contract violation inside the engine itself
// (a buffer too small, a missing linker symbol) rather than bad input.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string { return fmt.Sprintf("InternalError: %s", e.Reason) }

// NewInternalError builds an InternalError.
func NewInternalError(reason string) *InternalError { return &InternalError{Reason: reason} }
