// Package statesync carries cache hints between tools and the calling model:
// Cache-Control directives on tool descriptions and invalidation notices on
// responses of tools that change other tools' data.
package statesync

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Directives understood on tool descriptions.
const (
	NoStore   = "no-store"
	Immutable = "immutable"
)

// InvalidDirectiveError reports an unsupported Cache-Control directive.
type InvalidDirectiveError struct {
	Directive string
}

func (e *InvalidDirectiveError) Error() string {
	return fmt.Sprintf("statesync: invalid cache-control directive %q (want %q or %q)", e.Directive, NoStore, Immutable)
}

// ValidateDirective returns *InvalidDirectiveError for anything other than
// NoStore or Immutable.
func ValidateDirective(d string) error {
	if d == NoStore || d == Immutable {
		return nil
	}
	return &InvalidDirectiveError{Directive: d}
}

// Policy is the state-sync configuration of one tool.
type Policy struct {
	CacheControl string
	Invalidates  []string
}

// IsZero reports whether p declares nothing.
func (p Policy) IsZero() bool {
	return p.CacheControl == "" && len(p.Invalidates) == 0
}

// Decorate appends the Cache-Control hint to a tool description.
func (p Policy) Decorate(description string) string {
	if p.CacheControl == "" {
		return description
	}
	suffix := "[Cache-Control: " + p.CacheControl + "]"
	if description == "" {
		return suffix
	}
	return description + " " + suffix
}

// Notice is the system block appended to a successful response of a tool
// that invalidates others. cause is "tool.action".
func (p Policy) Notice(cause string) string {
	if len(p.Invalidates) == 0 {
		return ""
	}
	return fmt.Sprintf("[System: Cache invalidated for %s - caused by %s]", strings.Join(p.Invalidates, ", "), cause)
}

// Fingerprint is the contract view of p, with sorted invalidation globs.
func (p Policy) Fingerprint() map[string]any {
	globs := append([]string(nil), p.Invalidates...)
	sort.Strings(globs)
	out := map[string]any{"invalidates": globs}
	if p.CacheControl != "" {
		out["cacheControl"] = p.CacheControl
	} else {
		out["cacheControl"] = nil
	}
	return out
}

// Matches reports whether name ("tool" or "tool.action") matches any glob.
// "*" matches one dot-separated segment, "**" matches everything.
func (p Policy) Matches(name string) bool {
	for _, g := range p.Invalidates {
		if Match(g, name) {
			return true
		}
	}
	return false
}

// Match matches a dotted name against a glob.
func Match(glob, name string) bool {
	if glob == "**" {
		return true
	}
	if strings.HasSuffix(glob, ".**") {
		prefix := strings.TrimSuffix(glob, ".**")
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	ok, err := path.Match(strings.ReplaceAll(glob, ".", "/"), strings.ReplaceAll(name, ".", "/"))
	return err == nil && ok
}
