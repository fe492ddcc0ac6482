package types

import (
	"strings"

	"github.com/jayminwest/kotadb/internal/kerr"
)

// MaxPathBytes caps the byte length of a storage path.
const MaxPathBytes = 4096

// reservedNames are path segments rejected case-insensitively because they
// collide with device names on some platforms. Matching considers only the
// part before the first dot, so "con.md" is rejected too.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// Path is a validated storage path.
//
// A valid path is non-empty, at most [MaxPathBytes] bytes, uses "/" as the
// only separator, starts with "/", contains no null bytes, no empty
// segments (so "/a//b" is rejected rather than collapsed), no "." or ".."
// segments, and no reserved platform names.
//
// Paths compare byte-wise, so comparison is case-sensitive on every
// platform; only the reserved-name check is case-insensitive.
type Path struct {
	raw string
}

// ParsePath validates s and returns it as a Path.
func ParsePath(s string) (Path, error) {
	const op = "parse path"

	if s == "" {
		return Path{}, kerr.Invalid(op, "empty path")
	}

	if len(s) > MaxPathBytes {
		return Path{}, kerr.Invalidf(op, "path exceeds %d bytes", MaxPathBytes)
	}

	if strings.IndexByte(s, 0) >= 0 {
		return Path{}, kerr.Invalid(op, "path contains null byte")
	}

	if strings.IndexByte(s, '\\') >= 0 {
		return Path{}, kerr.Invalid(op, `path contains "\"; separator is "/"`)
	}

	if s[0] != '/' {
		return Path{}, kerr.Invalidf(op, "path %q is not absolute", s)
	}

	segments := strings.Split(s[1:], "/")
	for _, seg := range segments {
		if seg == "" {
			return Path{}, kerr.Invalidf(op, "path %q has an empty segment", s)
		}

		if seg == "." || seg == ".." {
			return Path{}, kerr.Invalidf(op, "path %q has a traversal segment", s)
		}

		base, _, _ := strings.Cut(seg, ".")
		if _, reserved := reservedNames[strings.ToLower(base)]; reserved {
			return Path{}, kerr.Invalidf(op, "path segment %q is a reserved name", seg)
		}
	}

	return Path{raw: s}, nil
}

// IsZero reports whether the path is the invalid zero value.
func (p Path) IsZero() bool {
	return p.raw == ""
}

// String returns the validated path text.
func (p Path) String() string {
	return p.raw
}

// Bytes returns the path as the byte slice the indexes key on.
func (p Path) Bytes() []byte {
	return []byte(p.raw)
}

// HasPrefix reports whether the path starts with prefix, byte-wise.
func (p Path) HasPrefix(prefix string) bool {
	return strings.HasPrefix(p.raw, prefix)
}
