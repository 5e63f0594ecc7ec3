package datastore

import (
	"errors"
	"fmt"

	"github.com/kjk/datastore/ident"
)

var (
	// ErrDuplicateDirectory is returned when registering a second store for a directory
	ErrDuplicateDirectory = errors.New("duplicate directory")
	// ErrUnknownDirectory is returned for a payload for a directory without a store
	ErrUnknownDirectory = errors.New("unknown directory")
	// ErrStalePacket is returned for a packet older than the content of the store
	ErrStalePacket = errors.New("stale packet")
)

// EnumerationError is a resource that couldn't be read or decoded.
// The entry is skipped
type EnumerationError struct {
	ID       ident.ID
	Location ident.ID
	Source   string
	Err      error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("couldn't load data file %s from %s in '%s': %s", e.ID, e.Location, e.Source, e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// DuplicateIdentifierError is a second resource for the same identifier in the same layer.
// The first one is kept, or leaves the id empty if it failed to load
type DuplicateIdentifierError struct {
	ID       ident.ID
	Location ident.ID
	Source   string
	Layer    int
	// KeptSource is where the first document comes from
	KeptSource string
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("duplicate data file ignored with ID %s (%s from '%s', layer %d, kept the one from '%s')", e.ID, e.Location, e.Source, e.Layer, e.KeptSource)
}

// ShapeMismatchError is a document that couldn't be converted to the record type
type ShapeMismatchError struct {
	ID  ident.ID
	Err error
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("couldn't parse %s: %s", e.ID, e.Err)
}

func (e *ShapeMismatchError) Unwrap() error {
	return e.Err
}

// ListenerError is a reload listener that panicked
type ListenerError struct {
	// Index is the position of the listener in registration order
	Index int
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("reload listener %d failed: %s", e.Index, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}
