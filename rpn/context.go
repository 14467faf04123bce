package rpn

import (
	"sync"

	"github.com/google/splot-local/internal/value"
)

// Context is a hierarchical variable scope: map<name,Value> with a parent
// chain that reads walk, and a set of registered dependents (compiled
// programs bound to this context or one of its descendants) that get
// notified when a Set touches a variable they reference.
//
// No example repo in the retrieval pack implements anything comparable to a
// stack-language variable scope; the dirtying behavior here generalizes the
// config tree's change-notification idiom (a write walks down and fires
// registered callbacks) from "property changed, notify listeners" to
// "variable changed, notify dependent compiled functions."
type Context struct {
	mu         sync.Mutex
	parent     *Context
	vars       map[string]value.Value
	children   []*Context
	dependents []*dependent
}

type dependent struct {
	names  map[string]bool
	notify func()
}

// NewContext creates a root context with no parent.
func NewContext() *Context {
	return &Context{vars: map[string]value.Value{}}
}

// NewChild creates a child context whose reads fall back to c on miss, and
// which participates in c's dirtying walk on Set.
func (c *Context) NewChild() *Context {
	child := &Context{vars: map[string]value.Value{}, parent: c}
	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
	return child
}

// Get reads name, walking the parent chain on local miss.
func (c *Context) Get(name string) (value.Value, bool) {
	c.mu.Lock()
	v, ok := c.vars[name]
	parent := c.parent
	c.mu.Unlock()
	if ok {
		return v, true
	}
	if parent != nil {
		return parent.Get(name)
	}
	return value.Null, false
}

// Set assigns name in this context's local scope, then walks this context
// and all of its descendants marking any registered dependent that
// references name dirty via its notify callback.
func (c *Context) Set(name string, v value.Value) {
	c.mu.Lock()
	c.vars[name] = v
	c.mu.Unlock()
	c.notifyTree(name)
}

func (c *Context) notifyTree(name string) {
	c.mu.Lock()
	deps := append([]*dependent(nil), c.dependents...)
	kids := append([]*Context(nil), c.children...)
	c.mu.Unlock()

	for _, d := range deps {
		if d.names[name] {
			d.notify()
		}
	}
	for _, k := range kids {
		k.notifyTree(name)
	}
}

// RegisterDependent registers notify to fire whenever a Set (on this
// context or an ancestor propagating down to it) touches one of names. It
// returns an unregister function.
func (c *Context) RegisterDependent(names map[string]bool, notify func()) func() {
	d := &dependent{names: names, notify: notify}
	c.mu.Lock()
	c.dependents = append(c.dependents, d)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.dependents {
			if existing == d {
				c.dependents = append(c.dependents[:i], c.dependents[i+1:]...)
				return
			}
		}
	}
}
