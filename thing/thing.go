// Package thing implements the Thing base: trait registration, the
// apply_properties pipeline, section-cache reads, property/section/child
// listener fan-out, and persistence snapshot/restore. Scene and Transition
// layers wrap a *Thing and interpose on its apply hook; Group and the
// automation managers register SnapshotExtensions for their own reserved
// snapshot keys.
//
// The apply_properties pipeline is grounded on ap.configd's
// propertyUpdate/processOneEvent path (resolve -> per-property setter hook
// -> mark-updated -> notify -> persist) and on cfgtree.PTree's changeset
// commit/revert idiom (snapshot before mutate, collect outcome, never leave
// a half-applied section visible) generalized into "best-effort apply,
// report the first error, still apply the keys that would have succeeded."
package thing

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/trait"
)

// ApplyHookFunc is the pre-write interposition point apply_properties calls
// after sanitizing the incoming write and before applying it. The base
// Thing's hook simply forwards to ApplyImmediately; the Scene and
// Transition layers install their own hook to interpose scene expansion and
// transition scheduling, calling ApplyImmediately themselves for whatever
// portion of the write isn't being animated.
type ApplyHookFunc func(writes map[trait.PropertyKey]value.Value, mods Modifiers) error

// Thing is the base addressable device abstraction: a trait registry, a
// section cache, and the listener/persistence machinery every Thing
// (including Scenes, Groups, and automation children) builds on.
type Thing struct {
	mu  sync.Mutex
	log *zap.Logger
	ex  executor.Executor

	registry *trait.Registry
	cache    map[trait.PropertyKey]value.Value
	extras   map[string]any

	hook       ApplyHookFunc
	extensions []SnapshotExtension

	propListeners    map[trait.PropertyKey][]*propertyListener
	sectionListeners map[trait.Section][]*sectionListener
	childListeners   []*childListener
}

// New constructs an empty Thing with no registered traits. ex is the
// default Executor synthetic listener notifications are dispatched on when
// a caller does not supply its own per-registration executor... in this
// design every registration supplies its own executor explicitly, so ex is
// used only internally (none, currently) and kept for future callers that
// want a Thing-wide default.
func New(ex executor.Executor, log *zap.Logger) *Thing {
	t := &Thing{
		log:              log,
		ex:               ex,
		registry:         trait.NewRegistry(),
		cache:            map[trait.PropertyKey]value.Value{},
		extras:           map[string]any{},
		propListeners:    map[trait.PropertyKey][]*propertyListener{},
		sectionListeners: map[trait.Section][]*sectionListener{},
	}
	t.hook = func(writes map[trait.PropertyKey]value.Value, mods Modifiers) error {
		return t.applyImmediatelyLocked(writes)
	}
	return t
}

// RegisterTrait adds tr to the Thing's dispatch table and seeds the section
// cache from each of its properties' current Get() value.
func (t *Thing) RegisterTrait(tr trait.Trait) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registry.Register(tr)
	for key, hooks := range tr.Properties() {
		if hooks.Get != nil {
			if v, err := hooks.Get(); err == nil {
				t.cache[key] = v
				continue
			}
		}
		t.cache[key] = value.Null
	}
}

// Registry exposes the trait dispatch table for wrapping layers (Scene,
// Transition) that need to resolve CanSave/CanTransition flags or call
// through to a trait's hooks directly.
func (t *Thing) Registry() *trait.Registry { return t.registry }

// ApplyHook returns the hook currently installed. Wrapping layers (Scene,
// Transition) call this before SetApplyHook so they can delegate to
// whatever hook was in effect before they interposed their own.
func (t *Thing) ApplyHook() ApplyHookFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hook
}

// SetApplyHook installs fn as the pre-write interposition point. Callers
// that wrap fn typically capture the previous hook or call
// t.ApplyImmediately directly for the portion of a write they don't
// intercept.
func (t *Thing) SetApplyHook(fn ApplyHookFunc) {
	t.mu.Lock()
	t.hook = fn
	t.mu.Unlock()
}

// RegisterSnapshotExtension adds ext to the set consulted by
// CopyPersistentState/InitWithPersistentState for reserved top-level keys
// (scenes, manager-owned children, group membership).
func (t *Thing) RegisterSnapshotExtension(ext SnapshotExtension) {
	t.mu.Lock()
	t.extensions = append(t.extensions, ext)
	t.mu.Unlock()
}

// ApplyProperties is the central writer (spec section 4.4): it sanitizes
// each incoming value, runs the installed hook, and returns a Future that
// resolves once every key has been attempted. On partial failure the
// Future carries the first error encountered; keys that would have
// succeeded are still applied.
func (t *Thing) ApplyProperties(writes map[trait.PropertyKey]value.Value, mods Modifiers) *executor.Future[struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()

	expanded, sanitizeErrs := t.expandLocked(writes)
	hookErr := t.hook(expanded, mods)

	var firstErr error
	// Sanitize failures are attributed to the key that failed; report the
	// first one in key order for determinism.
	if len(sanitizeErrs) > 0 {
		keys := make([]trait.PropertyKey, 0, len(sanitizeErrs))
		for k := range sanitizeErrs {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		firstErr = sanitizeErrs[keys[0]]
	}
	if firstErr == nil {
		firstErr = hookErr
	}
	if firstErr != nil {
		return executor.Failed[struct{}](firstErr)
	}
	return executor.Resolved(struct{}{})
}

// expandLocked runs each write's sanitize hook, per apply_properties step
// 1. A key with no registered property passes through untouched; a
// sanitize failure excludes that key from the expanded map (so it is never
// applied) and is reported as that key's error.
func (t *Thing) expandLocked(writes map[trait.PropertyKey]value.Value) (map[trait.PropertyKey]value.Value, map[trait.PropertyKey]error) {
	out := make(map[trait.PropertyKey]value.Value, len(writes))
	errs := map[trait.PropertyKey]error{}
	for k, v := range writes {
		hooks, ok := t.registry.Property(k)
		if !ok {
			out[k] = v
			continue
		}
		if hooks.Sanitize == nil {
			out[k] = v
			continue
		}
		sv, err := hooks.Sanitize(v)
		if err != nil {
			errs[k] = errors.Wrapf(err, "sanitize %s", k)
			continue
		}
		out[k] = sv
	}
	return out, errs
}

// ApplyImmediately runs apply_properties step 3 (spec 4.4): invoke each
// key's trait Set, update the section cache, and fan out listeners. It
// assumes the Thing's lock is already held by the caller (either
// ApplyProperties itself, or a wrapping layer's hook calling through for
// the portion of a write it isn't animating).
func (t *Thing) ApplyImmediately(writes map[trait.PropertyKey]value.Value) error {
	return t.applyImmediatelyLocked(writes)
}

// ApplyImmediatelyLocking is ApplyImmediately for callers outside the
// apply_properties call stack that do not already hold the Thing's lock —
// the Transition layer's tick goroutine is the only caller: each tick fires
// on its own Executor dispatch, well after the apply_properties call that
// started the transition has returned.
func (t *Thing) ApplyImmediatelyLocking(writes map[trait.PropertyKey]value.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyImmediatelyLocked(writes)
}

func (t *Thing) applyImmediatelyLocked(writes map[trait.PropertyKey]value.Value) error {
	type kv struct {
		key trait.PropertyKey
		val value.Value
	}
	list := make([]kv, 0, len(writes))
	for k, v := range writes {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].key.String() < list[j].key.String() })

	var firstErr error
	var changed []trait.PropertyKey
	touchedSections := map[trait.Section]bool{}

	for _, item := range list {
		hooks, ok := t.registry.Property(item.key)
		switch {
		case !ok:
			if firstErr == nil {
				firstErr = trait.NewError(trait.PropertyNotFound, "set "+item.key.String(), nil)
			}
		case hooks.Set == nil:
			if firstErr == nil {
				firstErr = trait.NewError(trait.PropertyReadOnly, "set "+item.key.String(), nil)
			}
		default:
			if err := hooks.Set(item.val); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				if t.log != nil {
					t.log.Debug("property set failed", zap.String("key", item.key.String()), zap.Error(err))
				}
				continue
			}
			t.cache[item.key] = item.val
			changed = append(changed, item.key)
			touchedSections[item.key.Section] = true
		}
	}

	t.notifyLocked(changed, touchedSections)
	return firstErr
}

func (t *Thing) notifyLocked(changed []trait.PropertyKey, sections map[trait.Section]bool) {
	for _, key := range changed {
		v := t.cache[key]
		for _, l := range t.propListeners[key] {
			l, v := l, v
			l.ex.Execute(func() {
				if isLive(&l.cancelled) {
					l.cb(v)
				}
			})
		}
	}
	for sec := range sections {
		snap := t.sectionSnapshotLocked(sec, false)
		for _, l := range t.sectionListeners[sec] {
			l, snap := l, snap
			l.ex.Execute(func() {
				if isLive(&l.cancelled) {
					l.cb(snap)
				}
			})
		}
	}
}

func (t *Thing) sectionSnapshotLocked(sec trait.Section, all bool) map[trait.PropertyKey]value.Value {
	out := map[trait.PropertyKey]value.Value{}
	for k, v := range t.cache {
		if k.Section != sec {
			continue
		}
		if !all && v.IsNull() {
			continue
		}
		out[k] = v
	}
	return out
}

// SetProperty applies a single-property write, expanding to
// ApplyProperties({key: value, ...}). At most one mutation modifier
// (Increment/Toggle/Insert/Remove) may be set.
func (t *Thing) SetProperty(key trait.PropertyKey, val value.Value, mods Modifiers) *executor.Future[struct{}] {
	if mods.mutationCount() > 1 {
		return executor.Failed[struct{}](trait.NewError(trait.InvalidPropertyValue, "set "+key.String(),
			errors.New("more than one mutation modifier specified")))
	}
	if mods.mutationCount() == 1 {
		return t.applyMutation(key, val, mods)
	}
	return t.ApplyProperties(map[trait.PropertyKey]value.Value{key: val}, mods)
}

func (t *Thing) applyMutation(key trait.PropertyKey, operand value.Value, mods Modifiers) *executor.Future[struct{}] {
	t.mu.Lock()
	current, ok := t.cache[key]
	t.mu.Unlock()
	if !ok {
		return executor.Failed[struct{}](trait.NewError(trait.PropertyNotFound, "set "+key.String(), nil))
	}

	unsupported := func(err error) *executor.Future[struct{}] {
		return executor.Failed[struct{}](trait.NewError(trait.PropertyOperationUnsupported, "set "+key.String(), err))
	}

	var newVal value.Value
	switch {
	case mods.Increment:
		if current.Kind() == value.KindInt && operand.Kind() == value.KindInt {
			ci, _ := current.Int()
			di, _ := operand.Int()
			newVal = value.Int(ci + di)
		} else {
			cr, err := current.Real()
			if err != nil {
				return unsupported(err)
			}
			dr, err := operand.Real()
			if err != nil {
				return unsupported(err)
			}
			newVal = value.Real(cr + dr)
		}
	case mods.Toggle:
		cb, err := current.Bool()
		if err != nil {
			return unsupported(err)
		}
		newVal = value.Bool(!cb)
	case mods.Insert:
		list, err := current.List()
		if err != nil {
			return unsupported(err)
		}
		combined := make([]value.Value, 0, len(list)+1)
		combined = append(combined, list...)
		combined = append(combined, operand)
		newVal = value.List(combined...)
	case mods.Remove:
		list, err := current.List()
		if err != nil {
			return unsupported(err)
		}
		out := make([]value.Value, 0, len(list))
		removed := false
		for _, e := range list {
			if !removed && value.Equal(e, operand) {
				removed = true
				continue
			}
			out = append(out, e)
		}
		newVal = value.List(out...)
	}
	return t.ApplyProperties(map[trait.PropertyKey]value.Value{key: newVal}, mods)
}

// IncrementProperty, ToggleProperty, InsertValue, RemoveValue are the
// convenience paths named in spec 4.4: each reads the current value and
// computes the mutation via SetProperty's mutation-modifier path.
func (t *Thing) IncrementProperty(key trait.PropertyKey, delta value.Value) *executor.Future[struct{}] {
	return t.SetProperty(key, delta, Modifiers{Increment: true})
}

func (t *Thing) ToggleProperty(key trait.PropertyKey) *executor.Future[struct{}] {
	return t.SetProperty(key, value.Null, Modifiers{Toggle: true})
}

func (t *Thing) InsertValue(key trait.PropertyKey, v value.Value) *executor.Future[struct{}] {
	return t.SetProperty(key, v, Modifiers{Insert: true})
}

func (t *Thing) RemoveValue(key trait.PropertyKey, v value.Value) *executor.Future[struct{}] {
	return t.SetProperty(key, v, Modifiers{Remove: true})
}

// FetchProperty returns the property's current cached value. The base
// Thing has no notion of transitions, so the TransitionTarget modifier is a
// no-op here; the Transition layer overrides fetch to honor it.
func (t *Thing) FetchProperty(key trait.PropertyKey, mods Modifiers) *executor.Future[value.Value] {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache[key]
	if !ok {
		return executor.Failed[value.Value](trait.NewError(trait.PropertyNotFound, "get "+key.String(), nil))
	}
	return executor.Resolved(v)
}

// FetchSection returns the cached section contents; with Modifiers.All, the
// result is exhaustive (null-valued leaves included).
func (t *Thing) FetchSection(section trait.Section, mods Modifiers) *executor.Future[map[trait.PropertyKey]value.Value] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return executor.Resolved(t.sectionSnapshotLocked(section, mods.All))
}

// RegisterPropertyListener records (ex, cb) and fires a synthetic initial
// notification with the current value.
func (t *Thing) RegisterPropertyListener(key trait.PropertyKey, ex executor.Executor, cb func(value.Value)) func() {
	t.mu.Lock()
	l := &propertyListener{ex: ex, cb: cb}
	t.propListeners[key] = append(t.propListeners[key], l)
	current, ok := t.cache[key]
	t.mu.Unlock()

	if ok {
		ex.Execute(func() {
			if isLive(&l.cancelled) {
				cb(current)
			}
		})
	}
	return func() {
		cancelFlag(&l.cancelled)()
		t.mu.Lock()
		defer t.mu.Unlock()
		ls := t.propListeners[key]
		for i, existing := range ls {
			if existing == l {
				t.propListeners[key] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// RegisterSectionListener records (ex, cb) and fires a synthetic initial
// notification with the current section snapshot.
func (t *Thing) RegisterSectionListener(section trait.Section, ex executor.Executor, cb func(map[trait.PropertyKey]value.Value)) func() {
	t.mu.Lock()
	l := &sectionListener{ex: ex, cb: cb}
	t.sectionListeners[section] = append(t.sectionListeners[section], l)
	snap := t.sectionSnapshotLocked(section, false)
	t.mu.Unlock()

	ex.Execute(func() {
		if isLive(&l.cancelled) {
			cb(snap)
		}
	})
	return func() {
		cancelFlag(&l.cancelled)()
		t.mu.Lock()
		defer t.mu.Unlock()
		ls := t.sectionListeners[section]
		for i, existing := range ls {
			if existing == l {
				t.sectionListeners[section] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// childSnapshotLocked merges CopyChildren() from every registered trait
// that owns addressable children, keyed "<trait-short-id>.<child-id>".
func (t *Thing) childSnapshotLocked() map[string]any {
	out := map[string]any{}
	for shortID, tr := range t.registry.Traits() {
		ops := tr.Children()
		if ops == nil {
			continue
		}
		for childID, v := range ops.CopyChildren() {
			out[shortID+"."+childID] = toAny(v)
		}
	}
	return out
}

// RegisterChildListener records (ex, cb) and fires a synthetic initial
// notification with the current merged child map.
func (t *Thing) RegisterChildListener(ex executor.Executor, cb func(map[string]any)) func() {
	t.mu.Lock()
	l := &childListener{ex: ex, cb: cb}
	t.childListeners = append(t.childListeners, l)
	snap := t.childSnapshotLocked()
	t.mu.Unlock()

	ex.Execute(func() {
		if isLive(&l.cancelled) {
			cb(snap)
		}
	})
	return func() {
		cancelFlag(&l.cancelled)()
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, existing := range t.childListeners {
			if existing == l {
				t.childListeners = append(t.childListeners[:i], t.childListeners[i+1:]...)
				return
			}
		}
	}
}

// ChildrenChanged re-fires every registered child listener with the
// current merged child map. Managers (Timer/Pairing/Rule) and the Scene
// layer call this after creating or deleting a child.
func (t *Thing) ChildrenChanged() {
	t.mu.Lock()
	snap := t.childSnapshotLocked()
	listeners := append([]*childListener(nil), t.childListeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l, snap := l, snap
		l.ex.Execute(func() {
			if isLive(&l.cancelled) {
				l.cb(snap)
			}
		})
	}
}

// SaveableState returns the current value of every save-eligible State-
// section property, for the Scene layer's save operation ("config/metadata
// are not scenable").
func (t *Thing) SaveableState() map[trait.PropertyKey]value.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[trait.PropertyKey]value.Value{}
	for _, key := range t.registry.PropertiesInSection(trait.State) {
		hooks, ok := t.registry.Property(key)
		if !ok || !hooks.Flags.CanSave() {
			continue
		}
		out[key] = t.cache[key]
	}
	return out
}

// CopyPersistentState snapshots every save-eligible property plus any
// reserved keys contributed by registered SnapshotExtensions and any
// extras carried over from a prior InitWithPersistentState that this build
// did not recognize.
func (t *Thing) CopyPersistentState() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{}
	for key, hooks := range t.registrySnapshotSourceLocked() {
		if !hooks.Flags.CanSave() {
			continue
		}
		snap[key.String()] = toAny(t.cache[key])
	}
	for k, v := range t.extras {
		snap[k] = v
	}
	for _, ext := range t.extensions {
		ext.ExtendSnapshot(snap)
	}
	return snap
}

// registrySnapshotSourceLocked exposes the registry's full property table;
// factored out so CopyPersistentState reads consistently under lock.
func (t *Thing) registrySnapshotSourceLocked() map[trait.PropertyKey]trait.PropertyHooks {
	out := map[trait.PropertyKey]trait.PropertyHooks{}
	for _, sec := range []trait.Section{trait.State, trait.Config, trait.Metadata} {
		for _, key := range t.registry.PropertiesInSection(sec) {
			if hooks, ok := t.registry.Property(key); ok {
				out[key] = hooks
			}
		}
	}
	return out
}

// InitWithPersistentState restores a snapshot produced by
// CopyPersistentState: extensions consume their reserved keys first, then
// every remaining key is matched against a registered property (applying
// legacy remap) and, if recognized and save-eligible, applied via that
// property's Set hook. Unrecognized keys are preserved verbatim for the
// next CopyPersistentState call.
func (t *Thing) InitWithPersistentState(snap Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	consumed := map[string]bool{}
	for _, ext := range t.extensions {
		for _, k := range ext.RestoreSnapshot(snap) {
			consumed[k] = true
		}
	}

	newExtras := map[string]any{}
	var firstErr error
	for key, raw := range snap {
		if consumed[key] {
			continue
		}
		pk, ok := parsePropertyKeyString(key)
		if !ok {
			newExtras[key] = raw
			continue
		}
		hooks, ok := t.registry.Property(pk)
		if !ok || !hooks.Flags.CanSave() || hooks.Set == nil {
			newExtras[key] = raw
			continue
		}
		v := fromAny(raw)
		if err := hooks.Set(v); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		t.cache[pk] = v
	}
	t.extras = newExtras
	return firstErr
}
