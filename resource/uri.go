// Package resource implements the Resource Namespace: parsing path-only
// URIs into (Thing, Section, trait, leaf, modifiers), constructing the
// ResourceLink variant matching the requested mutation, and lazily
// resolving links whose target Thing isn't hosted yet (spec section 4.7).
//
// The path-component walker is grounded on cfgtree's own "@/a/b/c" search
// (PTree.GetNode/searchNext splitting on "/" and consuming one segment at a
// time) generalized to this spec's
// "/<thing-locator>/<section>/<trait>/<leaf>[?<modifiers>][/f/<trait>/<child-id>/...]"
// grammar.
package resource

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// ChildHop is one "/f/<trait>/<child-id>" traversal segment used to drill
// into a Thing's children (scenes, timers, pairings, rules).
type ChildHop struct {
	Trait string
	Child string
}

// ParsedURI is the result of parsing a resource path: which Thing to
// address (by locator), the leaf property it names, any child traversal
// hops, and the modifiers requested on the query string.
type ParsedURI struct {
	Locator  string
	Section  trait.Section
	Trait    string
	Leaf     string
	Children []ChildHop
	Mods     thing.Modifiers
}

// Key returns the property this URI addresses on the resolved Thing.
func (p ParsedURI) Key() trait.PropertyKey {
	return trait.PropertyKey{Section: p.Section, Trait: p.Trait, Leaf: p.Leaf}
}

// GroupID reports the group id if Locator names a group ("g/<id>").
func (p ParsedURI) GroupID() (string, bool) {
	if strings.HasPrefix(p.Locator, "g/") {
		return strings.TrimPrefix(p.Locator, "g/"), true
	}
	return "", false
}

// ParseURI parses a resource path per spec section 4.7. Accepted forms:
//
//	/<locator>/<section>/<trait>/<leaf>
//	/<locator>/<section>/<trait>/<leaf>?<modifiers>
//	/<locator>/f/<trait>/<child-id>/.../<section>/<trait>/<leaf>
func ParseURI(raw string) (ParsedURI, error) {
	path := raw
	var rawQuery string
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		path, rawQuery = raw[:i], raw[i+1:]
	}
	path = strings.Trim(path, "/")
	segs := strings.Split(path, "/")
	if len(segs) < 3 {
		return ParsedURI{}, errors.Errorf("resource path %q too short", raw)
	}

	out := ParsedURI{}
	idx := 0
	if segs[idx] == "g" {
		if idx+1 >= len(segs) {
			return ParsedURI{}, errors.Errorf("resource path %q: truncated group locator", raw)
		}
		out.Locator = "g/" + segs[idx+1]
		idx += 2
	} else {
		out.Locator = segs[idx]
		idx++
	}

	// Consume any number of "f/<trait>/<child-id>" traversal hops before
	// the terminal "<section>/<trait>/<leaf>".
	for idx+2 < len(segs) && segs[idx] == "f" {
		out.Children = append(out.Children, ChildHop{Trait: segs[idx+1], Child: segs[idx+2]})
		idx += 3
	}

	if idx+3 != len(segs) {
		return ParsedURI{}, errors.Errorf("resource path %q: expected <section>/<trait>/<leaf>, got %v", raw, segs[idx:])
	}
	sec, ok := trait.ParseSection(segs[idx])
	if !ok {
		return ParsedURI{}, errors.Errorf("resource path %q: unknown section %q", raw, segs[idx])
	}
	out.Section = sec
	out.Trait = segs[idx+1]
	out.Leaf = segs[idx+2]

	mods, err := parseModifiers(rawQuery)
	if err != nil {
		return ParsedURI{}, errors.Wrapf(err, "resource path %q", raw)
	}
	out.Mods = mods
	return out, nil
}

// parseModifiers parses the "&"-separated key[=value] query string into a
// thing.Modifiers, per the exhaustive table in spec 4.7.
func parseModifiers(raw string) (thing.Modifiers, error) {
	var mods thing.Modifiers
	if raw == "" {
		return mods, nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return mods, errors.Wrap(err, "parsing modifiers")
	}
	for key := range values {
		switch key {
		case "d":
			secs, err := strconv.ParseFloat(values.Get(key), 64)
			if err != nil {
				return mods, errors.Wrapf(err, "modifier d=%q", values.Get(key))
			}
			mods.Duration = &secs
		case "inc":
			mods.Increment = true
		case "tog":
			mods.Toggle = true
		case "ins":
			mods.Insert = true
		case "rem":
			mods.Remove = true
		case "target":
			mods.TransitionTarget = true
		case "all":
			mods.All = true
		default:
			return mods, errors.Errorf("unrecognized modifier %q", key)
		}
	}
	return mods, nil
}
