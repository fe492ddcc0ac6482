// Package types defines the validated value types shared by the storage
// engine and its indexes.
//
// Construction of each type is fallible and enforces the complete rule set
// at the boundary. Once constructed, values are passed by value and never
// re-validated downstream. Every validation failure wraps
// [kerr.ErrInvalidInput] with a structured reason.
package types

import (
	"github.com/google/uuid"

	"github.com/jayminwest/kotadb/internal/kerr"
)

// DocumentID is a 128-bit random document identifier.
//
// The all-zero value is invalid and rejected at every construction path, so
// a zero DocumentID can double as "absent". The textual form is the
// canonical 8-4-4-4-12 lowercase hexadecimal.
type DocumentID struct {
	id uuid.UUID
}

// NewDocumentID generates a uniformly random (v4) id.
func NewDocumentID() (DocumentID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return DocumentID{}, kerr.Wrap("new document id", err)
	}

	return DocumentID{id: id}, nil
}

// ParseDocumentID parses the canonical textual form.
// Rejects the all-zero (nil) value.
func ParseDocumentID(s string) (DocumentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return DocumentID{}, kerr.Invalidf("parse document id", "malformed id %q: %v", s, err)
	}

	if id == uuid.Nil {
		return DocumentID{}, kerr.Invalid("parse document id", "nil id")
	}

	return DocumentID{id: id}, nil
}

// DocumentIDFromBytes reconstructs an id from its 16-byte binary form.
// Used by the on-disk codecs.
func DocumentIDFromBytes(b []byte) (DocumentID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return DocumentID{}, kerr.Invalidf("document id from bytes", "%v", err)
	}

	if id == uuid.Nil {
		return DocumentID{}, kerr.Invalid("document id from bytes", "nil id")
	}

	return DocumentID{id: id}, nil
}

// IsZero reports whether the id is the invalid all-zero value.
func (d DocumentID) IsZero() bool {
	return d.id == uuid.Nil
}

// String returns the canonical 8-4-4-4-12 form.
func (d DocumentID) String() string {
	return d.id.String()
}

// Bytes returns the 16-byte binary form.
func (d DocumentID) Bytes() []byte {
	b := make([]byte, len(d.id))
	copy(b, d.id[:])

	return b
}

// Compare orders ids byte-wise. Used for deterministic tie-breaking.
func (d DocumentID) Compare(other DocumentID) int {
	for i := range d.id {
		switch {
		case d.id[i] < other.id[i]:
			return -1
		case d.id[i] > other.id[i]:
			return 1
		}
	}

	return 0
}
