package pathutil

import "strings"

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path equals prefix or is nested under it.
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Segments splits the part of path below prefix into non-empty segments.
// ok is false when path is not under prefix.
func Segments(path, prefix string) ([]string, bool) {
	if !HasPathPrefix(path, prefix) {
		return nil, false
	}
	rest := strings.Trim(strings.TrimPrefix(path, NormalizePrefix(prefix)), "/")
	if rest == "" {
		return nil, true
	}
	parts := strings.Split(rest, "/")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, false
		}
	}
	return parts, true
}

// Join appends rest to base with exactly one slash between them.
func Join(base, rest string) string {
	base = strings.TrimRight(base, "/")
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + "/" + rest
}
