package position

import (
	"errors"
	"fmt"
)

// Class categorizes settlement errors so callers can tell transient
// conditions from terminal ones.
type Class string

const (
	// ClassValidation covers malformed references or transaction hashes.
	ClassValidation Class = "validation"
	// ClassNotFound covers unknown position references.
	ClassNotFound Class = "not_found"
	// ClassStateConflict covers wrong precondition status and lost
	// conditional updates. Transient: re-check current state, never fatal.
	ClassStateConflict Class = "state_conflict"
	// ClassChainVerification covers failed receipts, missing transfers and
	// out-of-bounds amounts. Terminal for that transaction; needs operator
	// recovery rather than retry.
	ClassChainVerification Class = "chain_verification"
	// ClassInfrastructure covers provider, storage and configuration
	// failures. Safe to retry.
	ClassInfrastructure Class = "infrastructure"
	// ClassKeyIntegrity covers tag mismatches and malformed decrypted keys.
	// Fatal for the signing operation.
	ClassKeyIntegrity Class = "key_integrity"
)

// Fault is a classified settlement error.
type Fault struct {
	Class Class
	Msg   string
	Err   error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Msg, f.Err)
	}
	return f.Msg
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault builds a classified error.
func NewFault(class Class, format string, args ...interface{}) *Fault {
	return &Fault{Class: class, Msg: fmt.Sprintf(format, args...)}
}

// WrapFault classifies an underlying error.
func WrapFault(class Class, err error, format string, args ...interface{}) *Fault {
	return &Fault{Class: class, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ClassOf extracts the class of err, defaulting to infrastructure for
// unclassified errors.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return ClassInfrastructure
}

// IsClass reports whether err carries the given class.
func IsClass(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}
