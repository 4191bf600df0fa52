package boundary

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MatchPath reports whether the slash-separated relative path rel matches
// pattern. Supported forms:
//
//	"src/main.go"  exact path
//	"src/"         anything under src
//	"src/**"       anything under src
//	"**"           everything
//	"src/*.go"     path.Match glob
//	"*.go"         a glob without a slash also matches base names
//
// Both sides are compared in NFC, so a scope written on one filesystem
// matches names a decomposing filesystem reports.
func MatchPath(pattern, rel string) bool {
	pattern = norm.NFC.String(strings.TrimPrefix(pattern, "./"))
	rel = norm.NFC.String(strings.TrimPrefix(rel, "./"))
	if pattern == "" {
		return false
	}
	if pattern == "**" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(rel, pattern)
	}
	if pattern == rel {
		return true
	}
	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") && strings.ContainsAny(pattern, "*?[") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}
	return false
}

// MatchAny reports whether rel matches any of patterns.
func MatchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if MatchPath(p, rel) {
			return true
		}
	}
	return false
}
