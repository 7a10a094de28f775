package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("replidb: not found")
	ErrClosed             = errors.New("replidb: closed")
	ErrInvalidArgument    = errors.New("replidb: invalid argument")
	ErrInvalidDocument    = errors.New("replidb: invalid document")
	ErrMissingIdentifier  = errors.New("replidb: document has no _id")
	ErrMissingRevision    = errors.New("replidb: document has no _rev")
	ErrRevisionConflict   = errors.New("replidb: revision conflict")
	ErrNoFingerprintYet   = errors.New("replidb: no fingerprint yet, call ToFingerprint first")
	ErrNotLoadable        = errors.New("replidb: store was not created from a fingerprint")
	ErrNetworkUnavailable = errors.New("replidb: network unavailable")
)

// ElementError names the element of a batch operation that failed.
type ElementError struct {
	Index int
	ID    string
	Err   error
}

func (e *ElementError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("element %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("element %d (%s): %v", e.Index, e.ID, e.Err)
}

func (e *ElementError) Unwrap() error {
	return e.Err
}
