package types

import (
	"strings"
	"time"

	"github.com/jayminwest/kotadb/internal/kerr"
)

// Field limits.
const (
	MaxTitleBytes = 1024
	MaxTagBytes   = 64
)

// Title is a validated human-readable document title: non-empty after
// trimming and at most [MaxTitleBytes] bytes.
type Title struct {
	raw string
}

// ParseTitle validates s and returns it as a Title.
// Surrounding whitespace is trimmed before validation.
func ParseTitle(s string) (Title, error) {
	const op = "parse title"

	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Title{}, kerr.Invalid(op, "empty title")
	}

	if len(trimmed) > MaxTitleBytes {
		return Title{}, kerr.Invalidf(op, "title exceeds %d bytes", MaxTitleBytes)
	}

	return Title{raw: trimmed}, nil
}

func (t Title) IsZero() bool { return t.raw == "" }

func (t Title) String() string { return t.raw }

// Tag is a validated label: 1-64 chars from [A-Za-z0-9_-].
type Tag struct {
	raw string
}

// ParseTag validates s and returns it as a Tag.
func ParseTag(s string) (Tag, error) {
	const op = "parse tag"

	if s == "" {
		return Tag{}, kerr.Invalid(op, "empty tag")
	}

	if len(s) > MaxTagBytes {
		return Tag{}, kerr.Invalidf(op, "tag exceeds %d bytes", MaxTagBytes)
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '-' || c == '_' ||
			(c >= '0' && c <= '9') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= 'a' && c <= 'z')

		if !ok {
			return Tag{}, kerr.Invalidf(op, "tag %q has invalid character %q", s, c)
		}
	}

	return Tag{raw: s}, nil
}

func (t Tag) String() string { return t.raw }

// ParseTags validates, dedupes, and sorts a slice of raw tags.
func ParseTags(raw []string) ([]Tag, error) {
	seen := make(map[string]struct{}, len(raw))
	tags := make([]Tag, 0, len(raw))

	for _, s := range raw {
		tag, err := ParseTag(s)
		if err != nil {
			return nil, err
		}

		if _, dup := seen[tag.raw]; dup {
			continue
		}

		seen[tag.raw] = struct{}{}
		tags = append(tags, tag)
	}

	// Insertion sort keeps the set ordered; tag lists are tiny.
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && tags[j].raw < tags[j-1].raw; j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}

	return tags, nil
}

// timestampFloor is the earliest valid timestamp (2000-01-01T00:00:00Z).
var timestampFloor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// timestampSlack is how far into the future a timestamp may point, covering
// clock skew between writers.
const timestampSlack = 24 * time.Hour

// Timestamp is a validated wall-clock instant with second precision, in
// [2000-01-01, now + 1 day].
type Timestamp struct {
	sec int64
}

// NowTimestamp captures the current time, truncated to seconds.
func NowTimestamp() Timestamp {
	return Timestamp{sec: time.Now().Unix()}
}

// ParseTimestamp validates sec as seconds since the Unix epoch.
func ParseTimestamp(sec int64) (Timestamp, error) {
	const op = "parse timestamp"

	if sec < timestampFloor.Unix() {
		return Timestamp{}, kerr.Invalidf(op, "timestamp %d predates 2000-01-01", sec)
	}

	if sec > time.Now().Add(timestampSlack).Unix() {
		return Timestamp{}, kerr.Invalidf(op, "timestamp %d is too far in the future", sec)
	}

	return Timestamp{sec: sec}, nil
}

// Unix returns the seconds since the Unix epoch.
func (t Timestamp) Unix() int64 { return t.sec }

// Time returns the instant as a [time.Time] in UTC.
func (t Timestamp) Time() time.Time { return time.Unix(t.sec, 0).UTC() }

// Before reports whether t precedes other.
func (t Timestamp) Before(other Timestamp) bool { return t.sec < other.sec }

// IsZero reports whether the timestamp is the invalid zero value.
func (t Timestamp) IsZero() bool { return t.sec == 0 }

// NonZeroSize is a strictly positive byte count.
type NonZeroSize struct {
	n uint64
}

// ParseNonZeroSize validates n as a strictly positive size.
func ParseNonZeroSize(n uint64) (NonZeroSize, error) {
	if n == 0 {
		return NonZeroSize{}, kerr.Invalid("parse size", "size must be positive")
	}

	return NonZeroSize{n: n}, nil
}

// Bytes returns the size in bytes.
func (s NonZeroSize) Bytes() uint64 { return s.n }
