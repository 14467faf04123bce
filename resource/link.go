package resource

import (
	"sync"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// ResourceLink is the uniform handle an automation primitive (Timer action,
// Pairing source/destination) invokes through, regardless of whether the
// target Thing was hosted at construction time.
type ResourceLink interface {
	FetchValue() *executor.Future[value.Value]
	Invoke(v value.Value) *executor.Future[struct{}]
	URI() string
}

// Link is a resolved ResourceLink bound to a hosted Thing, property key,
// and the modifier set parsed from the URI's query string. locator is the
// top-level hosted locator it resolved through, kept only so Namespace can
// find and purge this entry's cache slot when that locator is unhosted.
type Link struct {
	uri     string
	th      *thing.Thing
	key     trait.PropertyKey
	mods    thing.Modifiers
	locator string
}

// URI implements ResourceLink.
func (l *Link) URI() string { return l.uri }

// FetchValue implements ResourceLink.
func (l *Link) FetchValue() *executor.Future[value.Value] {
	return l.th.FetchProperty(l.key, l.mods)
}

// Invoke implements ResourceLink: applies v through the bound Thing's
// write path with the link's mutation modifiers.
func (l *Link) Invoke(v value.Value) *executor.Future[struct{}] {
	return l.th.SetProperty(l.key, v, l.mods)
}

// LazyLink is returned when a URI's target Thing isn't hosted yet. Per the
// decision recorded for spec's retry-policy open question, every call
// attempts resolve() again rather than giving up after one failure; a
// pending Invoke argument is replayed automatically once the namespace
// hosts a Thing that makes this URI resolvable.
type LazyLink struct {
	uri string
	ns  *Namespace

	mu      sync.Mutex
	pending *value.Value
}

// URI implements ResourceLink.
func (l *LazyLink) URI() string { return l.uri }

// FetchValue implements ResourceLink: attempts resolution on every call.
func (l *LazyLink) FetchValue() *executor.Future[value.Value] {
	link, err := l.ns.resolveURI(l.uri)
	if err != nil {
		return executor.Failed[value.Value](trait.NewError(trait.UnassociatedResource, "fetch "+l.uri, err))
	}
	return link.FetchValue()
}

// Invoke implements ResourceLink. On failure to resolve, it records v as
// the pending invocation (replacing any earlier pending value) and returns
// a failed Future as the "pending failure indicator."
func (l *LazyLink) Invoke(v value.Value) *executor.Future[struct{}] {
	link, err := l.ns.resolveURI(l.uri)
	if err != nil {
		l.mu.Lock()
		l.pending = &v
		l.mu.Unlock()
		return executor.Failed[struct{}](trait.NewError(trait.UnassociatedResource, "invoke "+l.uri, err))
	}
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
	return link.Invoke(v)
}

// tryReplay re-attempts resolution and, on success, replays a recorded
// pending invocation. Called by Namespace.Host for every outstanding
// LazyLink each time a new Thing is hosted; reports whether the URI
// resolved so the caller can drop this entry from its pending set — it
// resolves regardless of whether a pending invocation is waiting, since a
// LazyLink with nothing pending that has become resolvable is just as
// stale an entry to keep rescanning as one that replayed.
func (l *LazyLink) tryReplay() bool {
	link, err := l.ns.resolveURI(l.uri)
	if err != nil {
		return false
	}
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	if pending != nil {
		link.Invoke(*pending)
	}
	return true
}

// PropertyLink wraps a resolved Link with the "register as a property
// listener only while at least one external observer is attached" behavior
// spec 4.7 calls out: the underlying Thing is only subscribed to once, on
// the first AddObserver call, and unsubscribed on the last removal.
type PropertyLink struct {
	*Link
	ex executor.Executor

	mu         sync.Mutex
	nextID     int
	observers  []observerEntry
	unregister func()
}

type observerEntry struct {
	id int
	cb func(value.Value)
}

// NewPropertyLink wraps link for observation, dispatching forwarded values
// on ex.
func NewPropertyLink(link *Link, ex executor.Executor) *PropertyLink {
	return &PropertyLink{Link: link, ex: ex}
}

// AddObserver registers cb and returns an unregister function. The first
// call subscribes to the underlying Thing; the call that empties the
// observer set unsubscribes.
func (p *PropertyLink) AddObserver(cb func(value.Value)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	first := len(p.observers) == 0
	p.observers = append(p.observers, observerEntry{id: id, cb: cb})
	p.mu.Unlock()

	if first {
		unreg := p.th.RegisterPropertyListener(p.key, p.ex, p.fanOut)
		p.mu.Lock()
		p.unregister = unreg
		p.mu.Unlock()
	}
	return func() { p.removeObserver(id) }
}

func (p *PropertyLink) fanOut(v value.Value) {
	p.mu.Lock()
	cbs := make([]func(value.Value), len(p.observers))
	for i, e := range p.observers {
		cbs[i] = e.cb
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(v)
	}
}

func (p *PropertyLink) removeObserver(id int) {
	p.mu.Lock()
	for i, e := range p.observers {
		if e.id == id {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
	empty := len(p.observers) == 0
	unreg := p.unregister
	if empty {
		p.unregister = nil
	}
	p.mu.Unlock()

	if empty && unreg != nil {
		unreg()
	}
}
