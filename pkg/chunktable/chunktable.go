// Package chunktable implements the bijective mapping between
// (baseName, chunk, overlap) and the physical name of a chunked table. It
// is pure, allocation-light and shared by every other ingest package that
// needs to name or parse a chunked table.
package chunktable

import (
	"fmt"
	"regexp"
	"strconv"
)

// DummyChunk is the sentinel chunk number that must be represented, empty,
// in every partitioned table at every worker.
const DummyChunk = 1234567890

var (
	// overlapPattern is tried first so that a base name which itself ends in
	// "FullOverlap" still parses as an overlap table, while a literal name
	// like "FullOverlap_123" parses as a *non-overlap* table with base name
	// "FullOverlap".
	overlapPattern = regexp.MustCompile(`^(.+)FullOverlap_([0-9]+)$`)
	plainPattern   = regexp.MustCompile(`^(.+)_([0-9]+)$`)
)

// Table is an immutable, value-comparable identity for one chunked table.
// The zero value is invalid; every accessor fails on it.
type Table struct {
	baseName string
	chunk    uint32
	overlap  bool
	name     string
	valid    bool
}

// New builds the identity and physical name for (baseName, chunk, overlap).
// It fails if baseName is empty.
func New(baseName string, chunk uint32, overlap bool) (Table, error) {
	if baseName == "" {
		return Table{}, fmt.Errorf("chunktable: base name can't be empty")
	}
	var name string
	if overlap {
		name = baseName + "FullOverlap_" + strconv.FormatUint(uint64(chunk), 10)
	} else {
		name = baseName + "_" + strconv.FormatUint(uint64(chunk), 10)
	}
	return Table{baseName: baseName, chunk: chunk, overlap: overlap, name: name, valid: true}, nil
}

// Parse recovers a Table from its physical name.
func Parse(name string) (Table, error) {
	if m := overlapPattern.FindStringSubmatch(name); m != nil {
		chunk, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Table{}, fmt.Errorf("chunktable: invalid chunk number in %q: %w", name, err)
		}
		return Table{baseName: m[1], chunk: uint32(chunk), overlap: true, name: name, valid: true}, nil
	}
	if m := plainPattern.FindStringSubmatch(name); m != nil {
		chunk, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Table{}, fmt.Errorf("chunktable: invalid chunk number in %q: %w", name, err)
		}
		return Table{baseName: m[1], chunk: uint32(chunk), overlap: false, name: name, valid: true}, nil
	}
	return Table{}, fmt.Errorf("chunktable: %q is not a valid chunked table name", name)
}

// Valid reports whether the receiver was built via New or Parse.
func (t Table) Valid() bool { return t.valid }

// BaseName returns the unqualified (non-chunked) table name.
func (t Table) BaseName() (string, error) {
	if !t.valid {
		return "", fmt.Errorf("chunktable: invalid table has no base name")
	}
	return t.baseName, nil
}

// Chunk returns the chunk number.
func (t Table) Chunk() (uint32, error) {
	if !t.valid {
		return 0, fmt.Errorf("chunktable: invalid table has no chunk number")
	}
	return t.chunk, nil
}

// Overlap returns whether this is the overlap flavor of the chunked table.
func (t Table) Overlap() (bool, error) {
	if !t.valid {
		return false, fmt.Errorf("chunktable: invalid table has no overlap flag")
	}
	return t.overlap, nil
}

// Name returns the physical table name.
func (t Table) Name() (string, error) {
	if !t.valid {
		return "", fmt.Errorf("chunktable: invalid table has no name")
	}
	return t.name, nil
}

// Equal reports name-equality.
func (t Table) Equal(other Table) bool {
	return t.valid == other.valid && t.name == other.name
}

// Quartet returns the four physical table names that must exist for a
// partitioned base table at any worker that holds chunk c: the regular and
// overlap variants of c, and of DummyChunk.
func Quartet(baseName string, chunk uint32) (regular, overlapT, dummyRegular, dummyOverlap Table, err error) {
	if regular, err = New(baseName, chunk, false); err != nil {
		return
	}
	if overlapT, err = New(baseName, chunk, true); err != nil {
		return
	}
	if dummyRegular, err = New(baseName, DummyChunk, false); err != nil {
		return
	}
	if dummyOverlap, err = New(baseName, DummyChunk, true); err != nil {
		return
	}
	return
}
