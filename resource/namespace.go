package resource

import (
	"sync"

	"github.com/bluele/gcache"

	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// Namespace is the process-wide path-addressed registry: hosted Things by
// locator, a bounded cache of resolved links (the nearest Go 1.21
// equivalent of the "weak reference" cache spec.md describes — see
// DESIGN.md's C7 entry for why a capacity-bounded LRU stands in for a true
// weak-pointer cache), and the set of LazyLinks waiting for a Thing that
// hasn't been hosted yet. cachedBy indexes cache's URI keys by their
// top-level locator so Unhost can purge exactly the entries a since-removed
// Thing produced, instead of leaving them to answer against whatever Thing
// is later hosted at the same locator. lazies is indexed by URI so repeated
// failed resolutions of the same not-yet-hosted URI reuse one LazyLink
// instead of piling up a fresh one per call.
type Namespace struct {
	mu       sync.Mutex
	things   map[string]*thing.Thing
	cache    gcache.Cache
	cachedBy map[string]map[string]struct{}
	lazies   map[string]*LazyLink
	onHost   []func(locator string, th *thing.Thing)
	onUnhost []func(locator string)
}

// NewNamespace builds an empty Namespace whose link cache holds at most
// capacity entries.
func NewNamespace(capacity int) *Namespace {
	if capacity <= 0 {
		capacity = 1
	}
	return &Namespace{
		things:   map[string]*thing.Thing{},
		cache:    gcache.New(capacity).LRU().Build(),
		cachedBy: map[string]map[string]struct{}{},
		lazies:   map[string]*LazyLink{},
	}
}

// Host registers th under locator (a numeric hosted index rendered as a
// string, or "g/<group-id>") and resolves any outstanding LazyLinks this
// newly hosted Thing might satisfy.
func (ns *Namespace) Host(locator string, th *thing.Thing) {
	ns.mu.Lock()
	ns.things[locator] = th
	lazies := make([]*LazyLink, 0, len(ns.lazies))
	for _, l := range ns.lazies {
		lazies = append(lazies, l)
	}
	subs := append([]func(string, *thing.Thing){}, ns.onHost...)
	ns.mu.Unlock()

	for _, l := range lazies {
		if l.tryReplay() {
			ns.mu.Lock()
			delete(ns.lazies, l.uri)
			ns.mu.Unlock()
		}
	}
	for _, sub := range subs {
		sub(locator, th)
	}
}

// Unhost removes locator's Thing from the namespace, along with every
// cached link that resolved against it — otherwise a later Host at the same
// locator with a different Thing would keep serving Resolve callers the
// stale *Link bound to the Thing that just left.
func (ns *Namespace) Unhost(locator string) {
	ns.mu.Lock()
	delete(ns.things, locator)
	for uri := range ns.cachedBy[locator] {
		ns.cache.Remove(uri)
	}
	delete(ns.cachedBy, locator)
	subs := append([]func(string){}, ns.onUnhost...)
	ns.mu.Unlock()

	for _, sub := range subs {
		sub(locator)
	}
}

func (ns *Namespace) thingFor(locator string) (*thing.Thing, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	th, ok := ns.things[locator]
	return th, ok
}

// ThingFor exposes thingFor to other packages (e.g. group, which resolves
// member UIDs the same way a resource locator resolves).
func (ns *Namespace) ThingFor(locator string) (*thing.Thing, bool) {
	return ns.thingFor(locator)
}

// SubscribeHost registers cb to run every time a new Thing is hosted after
// this call; Things hosted earlier are not replayed (a lazily-joining
// caller re-checks already-hosted locators itself). Returns an unsubscribe
// function.
func (ns *Namespace) SubscribeHost(cb func(locator string, th *thing.Thing)) func() {
	ns.mu.Lock()
	ns.onHost = append(ns.onHost, cb)
	idx := len(ns.onHost) - 1
	ns.mu.Unlock()
	return func() {
		ns.mu.Lock()
		ns.onHost[idx] = func(string, *thing.Thing) {}
		ns.mu.Unlock()
	}
}

// SubscribeUnhost registers cb to run every time a Thing is unhosted.
// Returns an unsubscribe function.
func (ns *Namespace) SubscribeUnhost(cb func(locator string)) func() {
	ns.mu.Lock()
	ns.onUnhost = append(ns.onUnhost, cb)
	idx := len(ns.onUnhost) - 1
	ns.mu.Unlock()
	return func() {
		ns.mu.Lock()
		ns.onUnhost[idx] = func(string) {}
		ns.mu.Unlock()
	}
}

// Count reports the number of currently hosted Things, for metrics export.
func (ns *Namespace) Count() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.things)
}

// Resolve parses uri and constructs the ResourceLink variant matching its
// modifiers: a *Link if the target Thing is currently hosted, otherwise a
// *LazyLink registered for later replay. Resolved links are cached by URI;
// a URI that keeps failing to resolve reuses the same pending LazyLink
// instead of registering a new one per call.
func (ns *Namespace) Resolve(uri string) (ResourceLink, error) {
	if cached, err := ns.cache.Get(uri); err == nil {
		return cached.(ResourceLink), nil
	}

	link, err := ns.resolveURI(uri)
	if err != nil {
		ns.mu.Lock()
		lazy, ok := ns.lazies[uri]
		if !ok {
			lazy = &LazyLink{uri: uri, ns: ns}
			ns.lazies[uri] = lazy
		}
		ns.mu.Unlock()
		return lazy, nil
	}

	ns.mu.Lock()
	delete(ns.lazies, uri)
	byLocator := ns.cachedBy[link.locator]
	if byLocator == nil {
		byLocator = map[string]struct{}{}
		ns.cachedBy[link.locator] = byLocator
	}
	byLocator[uri] = struct{}{}
	ns.mu.Unlock()
	_ = ns.cache.Set(uri, ResourceLink(link))
	return link, nil
}

// resolveURI does the actual parse-and-walk, used both by Resolve and by
// LazyLink's retry.
func (ns *Namespace) resolveURI(uri string) (*Link, error) {
	parsed, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	th, ok := ns.thingFor(parsed.Locator)
	if !ok {
		return nil, trait.NewError(trait.UnknownResource, "resolve "+uri, nil)
	}

	for _, hop := range parsed.Children {
		tr, ok := th.Registry().Trait(hop.Trait)
		if !ok {
			return nil, trait.NewError(trait.UnknownResource, "resolve "+uri, nil)
		}
		ops := tr.Children()
		if ops == nil {
			return nil, trait.NewError(trait.UnknownResource, "resolve "+uri, nil)
		}
		childAny, ok := ops.ChildByID(hop.Child)
		if !ok {
			return nil, trait.NewError(trait.UnknownResource, "resolve "+uri, nil)
		}
		childThing, ok := childAny.(*thing.Thing)
		if !ok {
			return nil, trait.NewError(trait.UnknownResource, "resolve "+uri, nil)
		}
		th = childThing
	}

	return &Link{uri: uri, th: th, key: parsed.Key(), mods: parsed.Mods, locator: parsed.Locator}, nil
}
