// Package errs defines the error taxonomy used throughout the
// Mixminion client: Usage, UI, Mix, Parse, Protocol, and Fatal errors,
// each optionally carrying a fine-grained Code.
package errs

import (
	"bytes"
	"fmt"
)

// Kind classifies an Error for the purposes of CLI exit-code and
// presentation decisions (this design).
type Kind uint8

// Kinds of errors.
const (
	Other Kind = iota
	Usage
	UI
	Mix
	Parse
	Protocol
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Usage:
		return "usage error"
	case UI:
		return "error"
	case Mix:
		return "mixnet error"
	case Parse:
		return "parse error"
	case Protocol:
		return "protocol error"
	case Fatal:
		return "fatal error"
	}
	return "error"
}

// Code names a specific error condition, mostly used to classify Mix
// errors but also covering the component-specific conditions named in
// this design.
type Code string

// Recognized codes.
const (
	NoValidDescriptor    Code = "NoValidDescriptor"
	UnknownDescriptor    Code = "UnknownDescriptor"
	NoRelaysKnown        Code = "NoRelaysKnown"
	CapabilityViolation  Code = "CapabilityViolation"
	IdentityKeyConflict  Code = "IdentityKeyConflict"
	AlreadyImported      Code = "AlreadyImported"
	DescriptorExpired    Code = "DescriptorExpired"
	DescriptorSuperseded Code = "DescriptorSuperseded"
	NoUsableSurbs        Code = "NoUsableSurbs"
	MessageLost          Code = "MessageLost"
	SwapMismatch         Code = "SwapMismatch"

	LockUnavailable      Code = "LockUnavailable"
	BadMagic             Code = "BadMagic"
	Truncated            Code = "Truncated"
	WrongPassword        Code = "WrongPassword"
	BadFormat            Code = "BadFormat"
	CacheCorrupt         Code = "CacheCorrupt"
	DirectoryDownloadFailed Code = "DirectoryDownloadFailed"
	DirectoryInvalid     Code = "DirectoryInvalid"
	DirectoryBadIdentity Code = "DirectoryBadIdentity"
	TransportTimeout     Code = "TransportTimeout"
	AddressParseError    Code = "AddressParseError"
)

// Error is the error type used across the module. It is built with E.
type Error struct {
	Op   string
	Kind Kind
	Code Code
	Err  error
}

var _ error = (*Error)(nil)

// E builds an *Error from its arguments. The type of each argument
// determines its meaning:
//
//	string    the operation (Op)
//	Kind      the error's Kind
//	Code      the error's Code
//	error     the underlying error
//
// If more than one argument of a given type is given, the last wins.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			e.Op = a
		case Kind:
			e.Kind = a
		case Code:
			e.Code = a
		case error:
			e.Err = a
		default:
			panic(fmt.Sprintf("errs.E: bad argument type %T: %v", arg, arg))
		}
	}
	// Inherit kind/code from a wrapped *Error if not set explicitly.
	if prev, ok := e.Err.(*Error); ok {
		if e.Kind == Other {
			e.Kind = prev.Kind
		}
		if e.Code == "" {
			e.Code = prev.Code
		}
	}
	return e
}

func (e *Error) Error() string {
	var b bytes.Buffer
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString(string(e.Code))
		if e.Err != nil {
			b.WriteString(": ")
		}
	} else if e.Kind != Other && e.Err == nil {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap allows errors.Is/errors.As to see through to the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind != Other {
		return e.Kind == kind
	}
	return Is(kind, e.Err)
}

// HasCode reports whether err is (or wraps) an *Error with the given Code.
func HasCode(code Code, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Code != "" {
		return e.Code == code
	}
	return HasCode(code, e.Err)
}

// Str is a convenience for constructing a plain error value to pass to E.
func Str(s string) error { return errString(s) }

type errString string

func (e errString) Error() string { return string(e) }

// Errorf is a convenience for constructing a formatted error value to
// pass to E, analogous to fmt.Errorf.
func Errorf(format string, args ...interface{}) error {
	return errString(fmt.Sprintf(format, args...))
}
