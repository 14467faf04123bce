package resource

import (
	"sync"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// Observable is a ResourceLink that additionally supports observation
// (spec 4.10's Pairing source/destination listeners): it wraps a
// PropertyLink once the target URI resolves, and re-attempts resolution on
// every subsequent Host event until it does, mirroring LazyLink's own
// permissive retry policy.
type Observable struct {
	uri string
	ns  *Namespace
	ex  executor.Executor

	mu        sync.Mutex
	pl        *PropertyLink
	pending   []func(value.Value)
	unsubHost func()
}

// ResolveObservable returns an Observable bound to uri, resolving
// immediately if possible and retrying on every future Host call
// otherwise.
func (ns *Namespace) ResolveObservable(uri string, ex executor.Executor) *Observable {
	o := &Observable{uri: uri, ns: ns, ex: ex}
	o.tryBind()
	return o
}

func (o *Observable) tryBind() {
	o.mu.Lock()
	if o.pl != nil {
		o.mu.Unlock()
		return
	}
	link, err := o.ns.resolveURI(o.uri)
	if err != nil {
		if o.unsubHost == nil {
			o.unsubHost = o.ns.SubscribeHost(func(string, *thing.Thing) { o.tryBind() })
		}
		o.mu.Unlock()
		return
	}
	pl := NewPropertyLink(link, o.ex)
	o.pl = pl
	pending := append([]func(value.Value){}, o.pending...)
	o.pending = nil
	unsub := o.unsubHost
	o.unsubHost = nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, cb := range pending {
		pl.AddObserver(cb)
	}
}

// AddObserver registers cb, binding to the underlying PropertyLink
// immediately if already resolved, or queuing it for when resolution
// succeeds.
func (o *Observable) AddObserver(cb func(value.Value)) func() {
	o.mu.Lock()
	pl := o.pl
	o.mu.Unlock()
	if pl != nil {
		return pl.AddObserver(cb)
	}
	o.mu.Lock()
	o.pending = append(o.pending, cb)
	o.mu.Unlock()
	return func() {}
}

// URI implements ResourceLink.
func (o *Observable) URI() string { return o.uri }

// FetchValue implements ResourceLink: attempts resolution on every call.
func (o *Observable) FetchValue() *executor.Future[value.Value] {
	link, err := o.ns.resolveURI(o.uri)
	if err != nil {
		return executor.Failed[value.Value](trait.NewError(trait.UnassociatedResource, "fetch "+o.uri, err))
	}
	return link.FetchValue()
}

// Invoke implements ResourceLink.
func (o *Observable) Invoke(v value.Value) *executor.Future[struct{}] {
	link, err := o.ns.resolveURI(o.uri)
	if err != nil {
		return executor.Failed[struct{}](trait.NewError(trait.UnassociatedResource, "invoke "+o.uri, err))
	}
	return link.Invoke(v)
}
