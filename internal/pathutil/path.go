// Package pathutil implements the pure, string-only path resolver
// (spec ยง4.a). It has no dependency on storage or the kernel: every
// function operates on normalized path strings and nothing else.
package pathutil

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Root is the path of the tree root.
const Root = "/"

// unportable is the set of codepoints rejected by IsValid, grounded on the
// "unsafe across filesystems" set used by comparable VFS specifications:
// reserved Windows/NTFS characters plus all C0 control codes.
const unportable = "<>:\"|?*"

// Normalize collapses ".", pops "..", strips empty segments, applies
// Unicode NFC normalization (so paths that look identical from different
// peers compare equal byte-for-byte), and always returns a string starting
// with "/" that never contains "//" or a trailing "/" (except the root).
func Normalize(p string) string {
	p = norm.NFC.String(p)

	segments := strings.Split(p, "/")
	stack := make([]string, 0, len(segments))

	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}

	if len(stack) == 0 {
		return Root
	}

	return "/" + strings.Join(stack, "/")
}

// IsValid reports whether p is usable as an absolute VFS path: it must
// start with "/", must not contain "//", and must not contain any
// codepoint in the unportable set or a C0 control character.
func IsValid(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}

	if strings.Contains(p, "//") {
		return false
	}

	for _, r := range p {
		if r <= 0x1F {
			return false
		}

		if strings.ContainsRune(unportable, r) {
			return false
		}
	}

	return true
}

// Basename returns the final path segment of a normalized path. Returns
// "" for the root.
func Basename(p string) string {
	if p == Root {
		return ""
	}

	idx := strings.LastIndex(p, "/")

	return p[idx+1:]
}

// Dirname returns the parent path of a normalized path. Returns Root
// for both the root itself and any top-level child.
func Dirname(p string) string {
	if p == Root {
		return Root
	}

	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return Root
	}

	return p[:idx]
}

// Join appends name to a normalized parent path, producing a normalized
// result. Empty name returns parent unchanged.
func Join(parent, name string) string {
	if name == "" {
		return Normalize(parent)
	}

	if parent == Root {
		return Normalize("/" + name)
	}

	return Normalize(parent + "/" + name)
}

// Relative returns the suffix of p relative to base, without a leading
// slash. Returns "" if p equals base. Callers must ensure IsSubPath(base, p).
func Relative(base, p string) string {
	if base == Root {
		return strings.TrimPrefix(p, "/")
	}

	if p == base {
		return ""
	}

	return strings.TrimPrefix(p, base+"/")
}

// IsSubPath reports whether p is base itself or nested under base.
// IsSubPath(Root, x) is true for any valid x.
func IsSubPath(base, p string) bool {
	if base == Root {
		return true
	}

	return p == base || strings.HasPrefix(p, base+"/")
}

// Depth returns the number of segments in a normalized path. The root has
// depth 0.
func Depth(p string) int {
	if p == Root {
		return 0
	}

	return strings.Count(p, "/")
}
