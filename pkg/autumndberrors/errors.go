// Package autumndberrors implements the engine's error taxonomy (spec §6,
// §7): sum-type values carrying a stable Code and a boolean Expected that
// separates user-reportable conditions from internal faults, modeled on
// the teacher's ErrorIR but trimmed to the fields the core actually needs.
package autumndberrors

import (
	"errors"
	"fmt"
)

// Code names a taxonomy member. Names are domain-stable (spec §6) — never
// rename one, even across incompatible releases.
type Code string

const (
	CodeNoElement           Code = "no-element"
	CodeAlreadyExists       Code = "already-exists"
	CodeInvalidSlug         Code = "invalid-slug"
	CodeInvalidVersion      Code = "invalid-version"
	CodeInvalidRegex        Code = "invalid-regex"
	CodeInvalidSchema       Code = "invalid-schema"
	CodeInvalidLimit        Code = "invalid-limit"
	CodeInvalidPatch        Code = "invalid-patch"
	CodeSchemaMismatch      Code = "schema-mismatch"
	CodePermission          Code = "permission"
	CodeNoLinkTarget        Code = "no-link-target"
	CodeUnknownType         Code = "unknown-type"
	CodeUnknownRelationship Code = "unknown-relationship"
	CodeTimeout             Code = "timeout"
	CodeBackend             Code = "backend"
	CodeCache               Code = "cache"
)

// expectedCodes marks every taxonomy member that is user-reportable
// rather than a programmer/system fault.
var expectedCodes = map[Code]bool{
	CodeNoElement:           true,
	CodeAlreadyExists:       true,
	CodeInvalidSlug:         true,
	CodeInvalidVersion:      true,
	CodeInvalidRegex:        true,
	CodeInvalidSchema:       true,
	CodeInvalidLimit:        true,
	CodeInvalidPatch:        true,
	CodeSchemaMismatch:      true,
	CodePermission:          true,
	CodeNoLinkTarget:        true,
	CodeUnknownType:         true,
	CodeUnknownRelationship: true,
	CodeTimeout:             false,
	CodeBackend:             false,
	CodeCache:               false,
}

// Error is the uniform error value the engine raises across component
// boundaries.
type Error struct {
	Code     Code
	Message  string
	Expected bool
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error for code with message, Expected set from the
// taxonomy's default classification.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Expected: expectedCodes[code]}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap builds an Error for code that chains cause, preserving it for
// errors.Unwrap/errors.Is.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// Is reports whether err is an *Error of the given code, looking through
// any wrapping.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsSchemaMismatch rewrites err's message to a generic one, used when the
// validation failure originated from the unrestricted (full) contract and
// a detailed message would leak private field names to the caller (spec
// §7).
func AsSchemaMismatch(err error) *Error {
	return New(CodeSchemaMismatch, "the submitted document is not valid against the contract's schema")
}
