// Package pairing implements the Pairing automation primitive: a
// bidirectional reactive link between two ResourceLinks, each direction
// gated by enable flags and epsilon-based change suppression, transformed
// by a compiled RPN forward/reverse function (spec section 4.10).
//
// The reactive loop (listen, suppress near-duplicate or sub-epsilon
// changes, transform, write, trap on failure) is grounded on ap_common's
// publish/subscribe bridge idiom generalized from "republish on a message
// bus" to "write through a ResourceLink," keeping the same
// record-last-value-before-acting shape so replays and duplicate
// notifications are suppressed the same way.
package pairing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/splot-local/internal/config"
	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/rpn"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

func pairKey(leaf string) trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "pair", Leaf: leaf}
}

func trapKey(leaf string) trait.PropertyKey {
	return trait.PropertyKey{Section: trait.Metadata, Trait: "pair", Leaf: leaf}
}

// STOP is the sentinel forward/reverse transforms return (a distinguished
// text value) to suppress a write without disabling the pairing, per spec
// section 4.2's RPN STOP semantics reused here for the transform result.
var STOP = value.Text("\x00stop\x00")

// Pairing links a source ResourceLink to a destination ResourceLink
// through a compiled forward transform (push direction) and, symmetrically,
// a reverse transform (pull direction).
type Pairing struct {
	mu  sync.Mutex
	th  *thing.Thing
	ex  executor.Executor
	ns  *resource.Namespace
	log *zap.Logger

	sourceURI, destURI string
	source, dest       *resource.Observable
	unsubSource        func()
	unsubDest          func()

	push, pull, enabled bool

	forwardSrc, reverseSrc string
	forward, reverse       *rpn.Program

	sourceLast, destLast value.Value
	sourceEpsilon        float64
	destEpsilon          float64

	pushTrap, pullTrap string
	count              int64
	timestamp          int64
}

// New constructs an unlinked Pairing; push and pull only subscribe to an
// endpoint once the source_link / destination_link property has bound it.
func New(ex executor.Executor, ns *resource.Namespace, log *zap.Logger, tunable config.Tunables) *Pairing {
	p := &Pairing{
		ex:            ex,
		ns:            ns,
		log:           log,
		th:            thing.New(ex, log),
		sourceLast:    value.Null,
		destLast:      value.Null,
		sourceEpsilon: tunable.Pairing.DefaultEpsilon,
		destEpsilon:   tunable.Pairing.DefaultEpsilon,
	}
	p.th.RegisterTrait(p)
	return p
}

// Thing returns the Pairing's addressable Thing.
func (p *Pairing) Thing() *thing.Thing { return p.th }

// ShortID implements trait.Trait.
func (p *Pairing) ShortID() string { return "pair" }

// Children implements trait.Trait: a Pairing owns no further children.
func (p *Pairing) Children() trait.ChildOps { return nil }

// Methods implements trait.Trait: a Pairing exposes no invokable methods
// of its own.
func (p *Pairing) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }

// Properties implements trait.Trait.
func (p *Pairing) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		pairKey("source_link"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Text(p.sourceURI), nil },
			Set:   func(v value.Value) error { return p.reassign(&p.sourceURI, v, true) },
		},
		pairKey("destination_link"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Text(p.destURI), nil },
			Set:   func(v value.Value) error { return p.reassign(&p.destURI, v, false) },
		},
		pairKey("push"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Bool(p.push), nil },
			Set:   func(v value.Value) error { return p.setDirection(&p.push, v, true) },
		},
		pairKey("pull"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Bool(p.pull), nil },
			Set:   func(v value.Value) error { return p.setDirection(&p.pull, v, false) },
		},
		pairKey("enabled"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Bool(p.enabled), nil },
			Set: func(v value.Value) error {
				b, err := v.Bool()
				if err != nil {
					return err
				}
				p.mu.Lock()
				p.enabled = b
				p.mu.Unlock()
				return nil
			},
		},
		pairKey("forward"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Text(p.forwardSrc), nil },
			Set:   p.setForward,
		},
		pairKey("reverse"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Text(p.reverseSrc), nil },
			Set:   p.setReverse,
		},
		pairKey("source_epsilon"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Real(p.sourceEpsilon), nil },
			Set: func(v value.Value) error {
				f, err := v.Real()
				if err != nil {
					return err
				}
				p.mu.Lock()
				p.sourceEpsilon = f
				p.mu.Unlock()
				return nil
			},
		},
		pairKey("destination_epsilon"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Real(p.destEpsilon), nil },
			Set: func(v value.Value) error {
				f, err := v.Real()
				if err != nil {
					return err
				}
				p.mu.Lock()
				p.destEpsilon = f
				p.mu.Unlock()
				return nil
			},
		},
		pairKey("count"): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Int(p.count), nil },
		},
		pairKey("timestamp"): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Int(p.timestamp), nil },
		},
		trapKey("push_trap"): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Text(p.pushTrap), nil },
		},
		trapKey("pull_trap"): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { p.mu.Lock(); defer p.mu.Unlock(); return value.Text(p.pullTrap), nil },
		},
	}
}

func (p *Pairing) setForward(v value.Value) error {
	src, err := v.Text()
	if err != nil {
		return err
	}
	prog, err := rpn.Compile(src)
	if err != nil {
		return trait.NewError(trait.InvalidPropertyValue, "set "+pairKey("forward").String(), err)
	}
	p.mu.Lock()
	p.forwardSrc = src
	p.forward = prog
	last := p.sourceLast
	p.sourceLast = value.Null
	p.destLast = value.Null
	p.mu.Unlock()
	if !last.IsNull() {
		p.handleSourceChange(last)
	}
	return nil
}

func (p *Pairing) setReverse(v value.Value) error {
	src, err := v.Text()
	if err != nil {
		return err
	}
	prog, err := rpn.Compile(src)
	if err != nil {
		return trait.NewError(trait.InvalidPropertyValue, "set "+pairKey("reverse").String(), err)
	}
	p.mu.Lock()
	p.reverseSrc = src
	p.reverse = prog
	last := p.destLast
	p.sourceLast = value.Null
	p.destLast = value.Null
	p.mu.Unlock()
	if !last.IsNull() {
		p.handleDestChange(last)
	}
	return nil
}

// reassign implements endpoint reassignment: changing source or
// destination disables push/pull, replaces the ResourceLink, and
// re-enables the directions that were active.
func (p *Pairing) reassign(target *string, v value.Value, isSource bool) error {
	uri, err := v.Text()
	if err != nil {
		return err
	}

	p.mu.Lock()
	wasPush, wasPull := p.push, p.pull
	p.push, p.pull = false, false
	if isSource {
		if p.unsubSource != nil {
			p.unsubSource()
			p.unsubSource = nil
		}
	} else if p.unsubDest != nil {
		p.unsubDest()
		p.unsubDest = nil
	}
	*target = uri
	p.mu.Unlock()

	if isSource {
		p.bindSource(uri)
	} else {
		p.bindDest(uri)
	}

	if wasPush {
		if err := p.setDirection(&p.push, value.Bool(true), true); err != nil {
			return err
		}
	}
	if wasPull {
		return p.setDirection(&p.pull, value.Bool(true), false)
	}
	return nil
}

func (p *Pairing) bindSource(uri string) {
	p.mu.Lock()
	p.source = p.ns.ResolveObservable(uri, p.ex)
	p.mu.Unlock()
}

func (p *Pairing) bindDest(uri string) {
	p.mu.Lock()
	p.dest = p.ns.ResolveObservable(uri, p.ex)
	p.mu.Unlock()
}

func (p *Pairing) setDirection(target *bool, v value.Value, isPush bool) error {
	b, err := v.Bool()
	if err != nil {
		return err
	}

	p.mu.Lock()
	*target = b
	source, dest := p.source, p.dest
	p.mu.Unlock()

	if isPush {
		p.mu.Lock()
		unsub := p.unsubSource
		p.unsubSource = nil
		p.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		if b && source != nil {
			f := source.AddObserver(p.handleSourceChange)
			p.mu.Lock()
			p.unsubSource = f
			p.mu.Unlock()
		}
		return nil
	}

	p.mu.Lock()
	unsub := p.unsubDest
	p.unsubDest = nil
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if b && dest != nil {
		f := dest.AddObserver(p.handleDestChange)
		p.mu.Lock()
		p.unsubDest = f
		p.mu.Unlock()
	}
	return nil
}

func nearEqual(a, b value.Value, eps float64) bool {
	if value.StrictEqual(a, b) {
		return true
	}
	af, aerr := a.Real()
	bf, berr := b.Real()
	if aerr != nil || berr != nil {
		return false
	}
	d := af - bf
	if d < 0 {
		d = -d
	}
	return d < eps
}

// handleSourceChange implements the push reactive loop (spec 4.10 steps
// 1-9).
func (p *Pairing) handleSourceChange(v value.Value) {
	p.mu.Lock()
	if !p.push {
		p.mu.Unlock()
		return
	}
	if value.StrictEqual(v, p.sourceLast) || nearEqual(v, p.sourceLast, p.sourceEpsilon) {
		p.mu.Unlock()
		return
	}
	forward := p.forward
	sourceLast := p.sourceLast
	p.sourceLast = v
	p.mu.Unlock()

	if forward == nil {
		return
	}
	ctx := rpn.NewContext()
	ctx.Set("v", v)
	ctx.Set("v_l", sourceLast)
	out, stopped, err := forward.EvalOne(ctx)
	if err != nil || stopped || value.StrictEqual(out, STOP) {
		return
	}

	p.mu.Lock()
	if value.StrictEqual(out, p.destLast) || nearEqual(out, p.destLast, p.destEpsilon) {
		p.mu.Unlock()
		return
	}
	p.destLast = out
	p.pushTrap = ""
	dest := p.dest
	p.mu.Unlock()

	if dest == nil {
		p.setPushTrap("destination-unresolved")
		return
	}
	if _, err := dest.Invoke(out).Wait(context.Background()); err != nil {
		p.setPushTrap("destination-write-fail")
		return
	}
	p.bumpCount()
}

// handleDestChange implements the symmetric pull reactive loop.
func (p *Pairing) handleDestChange(v value.Value) {
	p.mu.Lock()
	if !p.pull {
		p.mu.Unlock()
		return
	}
	if value.StrictEqual(v, p.destLast) || nearEqual(v, p.destLast, p.destEpsilon) {
		p.mu.Unlock()
		return
	}
	reverse := p.reverse
	destLast := p.destLast
	p.destLast = v
	p.mu.Unlock()

	if reverse == nil {
		return
	}
	ctx := rpn.NewContext()
	ctx.Set("v", v)
	ctx.Set("v_l", destLast)
	out, stopped, err := reverse.EvalOne(ctx)
	if err != nil || stopped || value.StrictEqual(out, STOP) {
		return
	}

	p.mu.Lock()
	if value.StrictEqual(out, p.sourceLast) || nearEqual(out, p.sourceLast, p.sourceEpsilon) {
		p.mu.Unlock()
		return
	}
	p.sourceLast = out
	p.pullTrap = ""
	source := p.source
	p.mu.Unlock()

	if source == nil {
		p.setPullTrap("source-unresolved")
		return
	}
	if _, err := source.Invoke(out).Wait(context.Background()); err != nil {
		p.setPullTrap("source-write-fail")
		return
	}
	p.bumpCount()
}

func (p *Pairing) setPushTrap(token string) {
	p.mu.Lock()
	p.pushTrap = token
	p.mu.Unlock()
}

func (p *Pairing) setPullTrap(token string) {
	p.mu.Lock()
	p.pullTrap = token
	p.mu.Unlock()
}

// rebindAfterRestore re-resolves the source/destination links from their
// persisted URIs and re-subscribes whichever directions were enabled. The
// generic property-by-property restore path (thing.InitWithPersistentState)
// applies Set hooks in map-iteration order, which is unspecified, so a
// freshly restored Pairing cannot rely on source_link having already been
// processed by the time push/pull's Set hook ran; this call fixes up the
// live link/subscription state once every field has its final value.
func (p *Pairing) rebindAfterRestore() {
	p.mu.Lock()
	sourceURI, destURI := p.sourceURI, p.destURI
	push, pull := p.push, p.pull
	p.mu.Unlock()

	if sourceURI != "" {
		p.bindSource(sourceURI)
	}
	if destURI != "" {
		p.bindDest(destURI)
	}
	if push {
		_ = p.setDirection(&p.push, value.Bool(true), true)
	}
	if pull {
		_ = p.setDirection(&p.pull, value.Bool(true), false)
	}
}

func (p *Pairing) bumpCount() {
	p.mu.Lock()
	p.count++
	p.timestamp = time.Now().Unix()
	p.mu.Unlock()
}
