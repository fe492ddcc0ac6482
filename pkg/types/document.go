package types

import (
	"github.com/jayminwest/kotadb/internal/kerr"
)

// Document is the persistent record managed by the storage engine.
//
// The (ID, Path) pair is unique: ID is the primary key, Path a secondary
// unique key enforced by the primary index. Size is derived from Content
// and always strictly positive. Tags are sorted and unique. Metadata is an
// optional free-form map carried opaquely.
//
// The engine owns a Document while it is persisted; the cache holds shared
// immutable snapshots. Callers must treat returned Documents as read-only
// and go through [Clone] before mutating.
type Document struct {
	ID         DocumentID
	Path       Path
	Title      Title
	Content    []byte
	Tags       []Tag
	CreatedAt  Timestamp
	ModifiedAt Timestamp
	Size       NonZeroSize
	Metadata   map[string]string
}

// Validate checks the cross-field invariants that individual value types
// cannot: populated id/path/title/timestamps, size matching content, and
// ModifiedAt not preceding CreatedAt.
func (d *Document) Validate() error {
	const op = "validate document"

	switch {
	case d == nil:
		return kerr.Invalid(op, "nil document")
	case d.ID.IsZero():
		return kerr.Invalid(op, "nil document id")
	case d.Path.IsZero():
		return kerr.Invalid(op, "empty path")
	case d.Title.IsZero():
		return kerr.Invalid(op, "empty title")
	case len(d.Content) == 0:
		return kerr.Invalid(op, "empty content")
	case d.CreatedAt.IsZero() || d.ModifiedAt.IsZero():
		return kerr.Invalid(op, "missing timestamps")
	case d.ModifiedAt.Before(d.CreatedAt):
		return kerr.Invalid(op, "modified_at precedes created_at")
	case d.Size.Bytes() != uint64(len(d.Content)):
		return kerr.Invalidf(op, "size %d does not match content length %d",
			d.Size.Bytes(), len(d.Content))
	}

	return nil
}

// Clone returns a deep copy, so callers can mutate without aliasing the
// engine's or the cache's snapshot.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	cp := *d

	cp.Content = make([]byte, len(d.Content))
	copy(cp.Content, d.Content)

	cp.Tags = make([]Tag, len(d.Tags))
	copy(cp.Tags, d.Tags)

	if d.Metadata != nil {
		cp.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}

	return &cp
}

// DocumentBuilder assembles a valid Document field by field.
//
// Each setter validates immediately and records the first failure; Build
// returns it (or the result of a final cross-field [Document.Validate]).
// The zero builder is ready to use:
//
//	doc, err := new(types.DocumentBuilder).
//		WithPath("/notes/a.md").
//		WithTitle("A").
//		WithContent([]byte("hello world")).
//		Build()
type DocumentBuilder struct {
	doc Document
	err error
}

// WithID sets an explicit id. Omit it to have Build generate one.
func (b *DocumentBuilder) WithID(id DocumentID) *DocumentBuilder {
	if b.err == nil && id.IsZero() {
		b.err = kerr.Invalid("build document", "nil document id")

		return b
	}

	b.doc.ID = id

	return b
}

// WithPath validates and sets the storage path.
func (b *DocumentBuilder) WithPath(path string) *DocumentBuilder {
	if b.err != nil {
		return b
	}

	p, err := ParsePath(path)
	if err != nil {
		b.err = err

		return b
	}

	b.doc.Path = p

	return b
}

// WithTitle validates and sets the title.
func (b *DocumentBuilder) WithTitle(title string) *DocumentBuilder {
	if b.err != nil {
		return b
	}

	t, err := ParseTitle(title)
	if err != nil {
		b.err = err

		return b
	}

	b.doc.Title = t

	return b
}

// WithContent sets the content blob. Content is copied.
func (b *DocumentBuilder) WithContent(content []byte) *DocumentBuilder {
	if b.err != nil {
		return b
	}

	if len(content) == 0 {
		b.err = kerr.Invalid("build document", "empty content")

		return b
	}

	b.doc.Content = make([]byte, len(content))
	copy(b.doc.Content, content)

	return b
}

// WithTags validates, dedupes, and sorts the tag set.
func (b *DocumentBuilder) WithTags(tags ...string) *DocumentBuilder {
	if b.err != nil {
		return b
	}

	parsed, err := ParseTags(tags)
	if err != nil {
		b.err = err

		return b
	}

	b.doc.Tags = parsed

	return b
}

// WithMetadata sets the free-form metadata map. The map is copied.
func (b *DocumentBuilder) WithMetadata(md map[string]string) *DocumentBuilder {
	if b.err != nil || len(md) == 0 {
		return b
	}

	b.doc.Metadata = make(map[string]string, len(md))
	for k, v := range md {
		b.doc.Metadata[k] = v
	}

	return b
}

// WithTimestamps sets explicit created/modified instants. Omit to have
// Build stamp both with the current time.
func (b *DocumentBuilder) WithTimestamps(created, modified Timestamp) *DocumentBuilder {
	if b.err != nil {
		return b
	}

	if modified.Before(created) {
		b.err = kerr.Invalid("build document", "modified_at precedes created_at")

		return b
	}

	b.doc.CreatedAt = created
	b.doc.ModifiedAt = modified

	return b
}

// Build finalizes the document: generates an id if none was set, stamps
// missing timestamps, derives the size, and runs the cross-field checks.
func (b *DocumentBuilder) Build() (*Document, error) {
	if b.err != nil {
		return nil, b.err
	}

	doc := b.doc

	if doc.ID.IsZero() {
		id, err := NewDocumentID()
		if err != nil {
			return nil, kerr.Wrap("build document", err)
		}

		doc.ID = id
	}

	if doc.CreatedAt.IsZero() {
		now := NowTimestamp()
		doc.CreatedAt = now
		doc.ModifiedAt = now
	}

	size, err := ParseNonZeroSize(uint64(len(doc.Content)))
	if err != nil {
		return nil, kerr.Wrap("build document", err)
	}

	doc.Size = size

	err = doc.Validate()
	if err != nil {
		return nil, err
	}

	return &doc, nil
}
