// Package protopath maps between the full paths a compilation unit uses
// and the search-path-relative paths proto imports resolve against.
package protopath

import (
	"path"
	"strings"

	"tpindex/internal/compunit"
)

// Substitution maps a virtual directory prefix onto a real one.
type Substitution struct {
	Virtual string
	Real    string
}

// Cache is a bidirectional map between relative and full paths, filled in
// as substitutions are applied. The forward direction (rel -> full) is the
// primary map; the inverse is answered by a linear scan because entry
// counts are small.
type Cache struct {
	relToFull map[string]string
}

// NewCache creates an empty substitution cache.
func NewCache() *Cache {
	return &Cache{relToFull: make(map[string]string)}
}

// Put records a rel -> full mapping.
func (c *Cache) Put(rel, full string) {
	c.relToFull[rel] = full
}

// Full returns the full path cached for rel, or false.
func (c *Cache) Full(rel string) (string, bool) {
	full, ok := c.relToFull[rel]
	return full, ok
}

// Rel returns the relative path whose cached full path equals full, or
// false.
func (c *Cache) Rel(full string) (string, bool) {
	for rel, f := range c.relToFull {
		if f == full {
			return rel, true
		}
	}
	return "", false
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.relToFull)
}

// ParseSubstitutions extracts --proto_path/-I flags from a compilation
// unit's argument list. Each flag value of the form "virtual=real" becomes
// a substitution pair; a bare directory becomes ("", dir). All other
// arguments are returned unconsumed, in order.
func ParseSubstitutions(args []string) ([]Substitution, []string) {
	var subs []Substitution
	var rest []string

	addSub := func(value string) {
		if eq := strings.IndexByte(value, '='); eq >= 0 {
			subs = append(subs, Substitution{Virtual: value[:eq], Real: value[eq+1:]})
		} else {
			subs = append(subs, Substitution{Virtual: "", Real: value})
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--proto_path" || arg == "-I":
			if i+1 < len(args) {
				addSub(args[i+1])
				i++
			}
		case strings.HasPrefix(arg, "--proto_path="):
			addSub(strings.TrimPrefix(arg, "--proto_path="))
		case strings.HasPrefix(arg, "-I"):
			addSub(strings.TrimPrefix(arg, "-I"))
		default:
			rest = append(rest, arg)
		}
	}
	return subs, rest
}

// FullToRelative rewrites a full path into the search-path-relative form
// the proto importer expects. If the cache already holds a relative path
// for full, that entry wins. Otherwise substitutions are scanned in order
// and the first whose real prefix matches is applied; the result is
// cached. With no match the path is returned unchanged and not cached.
//
// First match wins; a longest-match rule would be more precise but the
// substitution lists seen in practice don't overlap.
func FullToRelative(full string, subs []Substitution, cache *Cache) string {
	if rel, ok := cache.Rel(full); ok {
		return rel
	}

	for _, sub := range subs {
		dir := sub.Real
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		if !strings.HasPrefix(full, dir) {
			continue
		}
		rel := strings.TrimPrefix(full, dir)
		if sub.Virtual != "" {
			rel = path.Join(sub.Virtual, rel)
		}
		cache.Put(rel, full)
		return rel
	}

	return full
}

// RelativeToVName resolves a relative path to the VName of the matching
// required input. The cache maps the relative path back to the full path
// the unit lists; uncached paths are assumed to already be full.
func RelativeToVName(rel string, unit *compunit.Unit, cache *Cache) (compunit.VName, bool) {
	full, ok := cache.Full(rel)
	if !ok {
		full = rel
	}
	return unit.LookupVName(full)
}
