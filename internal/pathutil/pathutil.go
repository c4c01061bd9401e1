// Package pathutil canonicalizes capture-route prefixes and matches
// request paths against them on segment boundaries, so a route for
// /openai never claims /openaiish.
package pathutil

import "strings"

// NormalizePrefix canonicalizes a route prefix: trimmed, rooted with a
// leading slash, trailing slashes dropped. Empty input means the root
// prefix "/".
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if prefix[0] != '/' {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path lives under prefix: equal to it or
// nested below it on a segment boundary.
func HasPathPrefix(path, prefix string) bool {
	_, ok := splitPrefix(path, prefix)
	return ok
}

// StripPathPrefix removes prefix from path, keeping the remainder
// rooted. Paths outside the prefix come back unchanged.
func StripPathPrefix(path, prefix string) string {
	rest, ok := splitPrefix(path, prefix)
	if !ok {
		return path
	}
	return rest
}

// splitPrefix normalizes prefix, reports whether path lives under it,
// and when it does, returns the rooted remainder.
func splitPrefix(path, prefix string) (string, bool) {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return rooted(strings.TrimPrefix(path, "/")), true
	}
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return rooted(path[len(prefix):]), true
	}
	return path, false
}

func rooted(rest string) string {
	if rest == "" {
		return "/"
	}
	if rest[0] != '/' {
		return "/" + rest
	}
	return rest
}
