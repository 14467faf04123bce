// Package scene implements the Scene Layer: named property snapshots held
// as a Thing's children, applied by writing the scene's id through the
// normal write path (spec section 4.5).
//
// A Manager interposes its own apply hook ahead of whatever hook the owning
// Thing already had installed (the base Thing's, or the Transition layer's
// if scene.NewManager is called after transition.NewController), mirroring
// cfgtree.PNode's preserve/preserveChildren snapshot-before-mutate idiom:
// recalling a scene snapshots the scene's stored state and merges it into
// the write the way a changeset commit merges a staged delta.
package scene

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// sceneIDKey is the write-triggered recall property: s/scen/sid.
func sceneIDKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "scen", Leaf: "sid"}
}

func saveMethodKey() trait.MethodKey {
	return trait.MethodKey{Trait: "scen", Leaf: "save"}
}

// Scene is a named snapshot of a Thing's save-eligible state properties,
// optionally associated with a group.
type Scene struct {
	ID      string
	GroupID *string
	State   map[trait.PropertyKey]value.Value
}

// Manager owns a Thing's named scenes, installs the recall-expansion apply
// hook, and implements trait.Trait (short id "scen") plus
// thing.SnapshotExtension so the owning Thing's persistence snapshot
// carries a "scenes" entry without knowing scenes exist.
type Manager struct {
	mu        sync.Mutex
	owner     *thing.Thing
	scenes    map[string]*Scene
	next      thing.ApplyHookFunc
	lastSid   string
}

// NewManager installs recall expansion on owner and registers the "scen"
// trait (s/scen/sid write-trigger, f/scen?save method). Call this after any
// transition.NewController(owner) so scene recall expansion happens before
// (outside of) transition interposition, matching "Transition Layer
// interposes between sanitization and set" while scene recall operates on
// the pre-write hook one level further out.
func NewManager(owner *thing.Thing) *Manager {
	m := &Manager{
		owner:  owner,
		scenes: map[string]*Scene{},
		next:   owner.ApplyHook(),
	}
	owner.SetApplyHook(m.applyHook)
	owner.RegisterTrait(m)
	owner.RegisterSnapshotExtension(m)
	return m
}

// Scenes returns the currently stored scenes, keyed by id.
func (m *Manager) Scenes() map[string]*Scene {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Scene, len(m.scenes))
	for k, v := range m.scenes {
		out[k] = v
	}
	return out
}

// applyHook expands a write naming s/scen/sid into: the named scene's
// stored state, overlaid with whatever other properties were in the same
// write (spec 4.5, "merging its stored state into the normal write path").
// A write with no s/scen/sid key passes through unchanged.
func (m *Manager) applyHook(writes map[trait.PropertyKey]value.Value, mods thing.Modifiers) error {
	key := sceneIDKey()
	idVal, recalling := writes[key]
	if !recalling {
		return m.next(writes, mods)
	}
	id, err := idVal.Text()
	if err != nil {
		return trait.NewError(trait.InvalidPropertyValue, "set "+key.String(), err)
	}

	m.mu.Lock()
	sc, ok := m.scenes[id]
	if ok {
		m.lastSid = id
	}
	m.mu.Unlock()
	if !ok {
		return trait.NewError(trait.InvalidPropertyValue, "set "+key.String(),
			errors.Errorf("unknown scene id %q", id))
	}

	merged := make(map[trait.PropertyKey]value.Value, len(sc.State)+len(writes))
	for k, v := range sc.State {
		merged[k] = v
	}
	for k, v := range writes {
		if k == key {
			continue
		}
		merged[k] = v
	}
	return m.next(merged, mods)
}

// ShortID implements trait.Trait.
func (m *Manager) ShortID() string { return "scen" }

// Properties implements trait.Trait: s/scen/sid is a write-triggered,
// transient property (NoSave, NoTrans — recall is a one-shot trigger, not a
// persistable value in its own right); Get echoes the last recalled id so
// an observer of the property can tell which scene (if any) is active.
func (m *Manager) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	key := sceneIDKey()
	return map[trait.PropertyKey]trait.PropertyHooks{
		key: {
			Flags: trait.Get | trait.Set | trait.NoSave | trait.NoTrans,
			Get: func() (value.Value, error) {
				m.mu.Lock()
				defer m.mu.Unlock()
				return value.Text(m.lastSid), nil
			},
			// Set is a no-op: the actual recall happens in applyHook before
			// apply_immediately ever reaches this property's Set, since
			// recall is expanded away into the merged write. A direct call
			// to ApplyImmediately bypassing the hook (which no registered
			// caller does) would otherwise land here harmlessly.
			Set: func(value.Value) error { return nil },
		},
	}
}

// Methods implements trait.Trait: f/scen?save creates or overwrites a scene
// from the owner's current save-eligible state, with an optional "group"
// argument.
func (m *Manager) Methods() map[trait.MethodKey]trait.MethodHooks {
	return map[trait.MethodKey]trait.MethodHooks{
		saveMethodKey(): {
			Flags:  trait.Req,
			Invoke: m.invokeSave,
		},
	}
}

func (m *Manager) invokeSave(args map[string]value.Value) (value.Value, error) {
	idVal, ok := args["id"]
	if !ok {
		return value.Value{}, trait.NewError(trait.InvalidMethodArguments, "invoke "+saveMethodKey().String(),
			errors.New("missing required \"id\" argument"))
	}
	id, err := idVal.Text()
	if err != nil {
		return value.Value{}, trait.NewError(trait.InvalidMethodArguments, "invoke "+saveMethodKey().String(), err)
	}

	sc := &Scene{ID: id, State: m.owner.SaveableState()}
	if g, ok := args["group"]; ok {
		gs, err := g.Text()
		if err != nil {
			return value.Value{}, trait.NewError(trait.InvalidMethodArguments, "invoke "+saveMethodKey().String(), err)
		}
		sc.GroupID = &gs
	}

	m.mu.Lock()
	m.scenes[id] = sc
	m.mu.Unlock()
	m.owner.ChildrenChanged()
	return value.Bool(true), nil
}

// Children implements trait.Trait.
func (m *Manager) Children() trait.ChildOps { return m }

// CopyChildren implements trait.ChildOps: each scene's stored state,
// flattened to property-path strings, wrapped as a value.Map so it survives
// the generic child snapshot path.
func (m *Manager) CopyChildren() map[string]value.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]value.Value, len(m.scenes))
	for id, sc := range m.scenes {
		fields := make(map[string]value.Value, len(sc.State))
		for k, v := range sc.State {
			fields[k.String()] = v
		}
		if sc.GroupID != nil {
			fields["group-id"] = value.Text(*sc.GroupID)
		}
		out[id] = value.Map(fields)
	}
	return out
}

// IDForChild implements trait.ChildOps.
func (m *Manager) IDForChild(child any) (string, bool) {
	sc, ok := child.(*Scene)
	if !ok {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.scenes {
		if s == sc {
			return id, true
		}
	}
	return "", false
}

// ChildByID implements trait.ChildOps.
func (m *Manager) ChildByID(id string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scenes[id]
	return sc, ok
}

// DidAddChild implements trait.ChildOps: accepts an externally constructed
// *Scene (e.g. restored from persistence) under the given id.
func (m *Manager) DidAddChild(id string, child any) {
	sc, ok := child.(*Scene)
	if !ok {
		return
	}
	m.mu.Lock()
	m.scenes[id] = sc
	m.mu.Unlock()
	m.owner.ChildrenChanged()
}

// DidRemoveChild implements trait.ChildOps.
func (m *Manager) DidRemoveChild(id string, child any) {
	m.mu.Lock()
	delete(m.scenes, id)
	m.mu.Unlock()
	m.owner.ChildrenChanged()
}

// DeleteScene removes a scene by id, notifying child listeners.
func (m *Manager) DeleteScene(id string) {
	m.mu.Lock()
	sc, ok := m.scenes[id]
	m.mu.Unlock()
	if ok {
		m.DidRemoveChild(id, sc)
	}
}

// ApplyToChild writes state properties directly into the named scene's
// stored map, for "writing to the scene itself (via its child interface)
// mutates the scene's stored map for state properties only; config/metadata
// are not scenable."
func (m *Manager) ApplyToChild(id string, writes map[trait.PropertyKey]value.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scenes[id]
	if !ok {
		return trait.NewError(trait.UnknownResource, "apply scene child "+id, nil)
	}
	for k, v := range writes {
		if k.Section != trait.State {
			return trait.NewError(trait.PropertyOperationUnsupported, "apply scene child "+id,
				errors.Errorf("%s is not in the state section; scenes only store state", k))
		}
		sc.State[k] = v
	}
	return nil
}

// ExtendSnapshot implements thing.SnapshotExtension: adds the reserved
// "scenes" key as map<scene-id, {"state": map<property-path,Value>, "group":
// string?}>.
func (m *Manager) ExtendSnapshot(snap thing.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.scenes))
	for id, sc := range m.scenes {
		st := make(map[string]any, len(sc.State))
		for k, v := range sc.State {
			st[k.String()] = thing.ToAny(v)
		}
		entry := map[string]any{"state": st}
		if sc.GroupID != nil {
			entry["group"] = *sc.GroupID
		}
		out[id] = entry
	}
	snap["scenes"] = out
}

// RestoreSnapshot implements thing.SnapshotExtension.
func (m *Manager) RestoreSnapshot(snap thing.Snapshot) []string {
	raw, ok := snap["scenes"]
	if !ok {
		return []string{"scenes"}
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return []string{"scenes"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rawEntry := range entries {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			continue
		}
		sc := &Scene{ID: id, State: map[trait.PropertyKey]value.Value{}}
		if st, ok := entry["state"].(map[string]any); ok {
			for k, v := range st {
				pk, ok := thing.ParsePropertyKeyString(k)
				if !ok {
					continue
				}
				sc.State[pk] = thing.FromAny(v)
			}
		}
		if g, ok := entry["group"].(string); ok {
			sc.GroupID = &g
		}
		m.scenes[id] = sc
	}
	return []string{"scenes"}
}
