package timer

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/google/splot-local/automation/manager"
	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

func createMethodKey() trait.MethodKey { return trait.MethodKey{Trait: "timr", Leaf: "create"} }
func deleteMethodKey() trait.MethodKey { return trait.MethodKey{Trait: "timr", Leaf: "delete"} }

// Manager owns a parent Thing's Timer children, implementing trait.Trait
// (for the create/delete methods) and trait.ChildOps (for traversal and
// persistence), per spec 4.11.
type Manager struct {
	owner *thing.Thing
	ex    executor.Executor
	ns    *resource.Namespace
	log   *zap.Logger
	reg   *manager.Registry[*Timer]
}

// NewManager registers a Timer manager (trait short id "timr") on owner.
func NewManager(owner *thing.Thing, ex executor.Executor, ns *resource.Namespace, log *zap.Logger) *Manager {
	m := &Manager{owner: owner, ex: ex, ns: ns, log: log, reg: manager.New[*Timer]()}
	owner.RegisterTrait(m)
	owner.RegisterSnapshotExtension(m)
	return m
}

// ShortID implements trait.Trait.
func (m *Manager) ShortID() string { return "timr" }

// Properties implements trait.Trait: the manager itself carries none; its
// children carry the "timr" state/config/metadata properties.
func (m *Manager) Properties() map[trait.PropertyKey]trait.PropertyHooks { return nil }

// Methods implements trait.Trait: f/timr?create and f/timr?delete.
func (m *Manager) Methods() map[trait.MethodKey]trait.MethodHooks {
	return map[trait.MethodKey]trait.MethodHooks{
		createMethodKey(): {Flags: trait.Req, Invoke: m.invokeCreate},
		deleteMethodKey(): {Flags: trait.Req, Invoke: m.invokeDelete},
	}
}

// Children implements trait.Trait.
func (m *Manager) Children() trait.ChildOps { return m }

// invokeCreate implements onInvokeCreate: a flat argument map, each
// recognized name mapping to a property assignment on the new Timer.
// Creation is atomic — any failure deletes the partially-built child and
// surfaces InvalidMethodArguments naming the offending parameter.
func (m *Manager) invokeCreate(args map[string]value.Value) (value.Value, error) {
	t := New(m.ex, m.ns, m.log, nil)
	id := m.reg.Add(t)
	t.onAutoDelete = func() {} // manager-level delete is explicit, not schedule-driven removal

	apply := func(param string, fn func(value.Value) error) error {
		v, ok := args[param]
		if !ok {
			return nil
		}
		if err := fn(v); err != nil {
			return trait.NewError(trait.InvalidMethodArguments, "invoke "+createMethodKey().String(),
				errors.Wrapf(err, "parameter %q", param))
		}
		return nil
	}

	params := []struct {
		name string
		fn   func(value.Value) error
	}{
		{"schedule_program", t.setSchedule},
		{"predicate_program", t.setPredicate},
		{"auto_reset", t.setAutoReset},
		{"auto_delete", t.setAutoDelete},
		{"enabled", t.setEnabled},
	}
	for _, p := range params {
		if err := apply(p.name, p.fn); err != nil {
			m.reg.Delete(id)
			return value.Value{}, err
		}
	}
	t.onAutoDelete = func() { m.Delete(id) }
	m.owner.ChildrenChanged()
	return value.Text(id), nil
}

func (m *Manager) invokeDelete(args map[string]value.Value) (value.Value, error) {
	idVal, ok := args["id"]
	if !ok {
		return value.Value{}, trait.NewError(trait.InvalidMethodArguments, "invoke "+deleteMethodKey().String(),
			errors.New("missing required \"id\" argument"))
	}
	id, err := idVal.Text()
	if err != nil {
		return value.Value{}, trait.NewError(trait.InvalidMethodArguments, "invoke "+deleteMethodKey().String(), err)
	}
	m.Delete(id)
	return value.Bool(true), nil
}

// Delete removes a Timer by id, stopping its scheduled fire if any.
func (m *Manager) Delete(id string) {
	t, ok := m.reg.Get(id)
	m.reg.Delete(id)
	if ok {
		t.Stop()
	}
	m.owner.ChildrenChanged()
}

// CopyChildren implements trait.ChildOps.
func (m *Manager) CopyChildren() map[string]value.Value {
	out := map[string]value.Value{}
	for id, t := range m.reg.All() {
		snap := t.Thing().CopyPersistentState()
		fields := make(map[string]value.Value, len(snap))
		for k, v := range snap {
			fields[k] = thing.FromAny(v)
		}
		out[id] = value.Map(fields)
	}
	return out
}

// IDForChild implements trait.ChildOps.
func (m *Manager) IDForChild(child any) (string, bool) {
	tm, ok := child.(*Timer)
	if !ok {
		return "", false
	}
	return m.reg.IDFor(func(c *Timer) bool { return c == tm })
}

// ChildByID implements trait.ChildOps: returns the Timer's addressable
// Thing so resource URI traversal ("/f/timr/<id>/...") resolves through it.
func (m *Manager) ChildByID(id string) (any, bool) {
	t, ok := m.reg.Get(id)
	if !ok {
		return nil, false
	}
	return t.Thing(), true
}

// DidAddChild implements trait.ChildOps.
func (m *Manager) DidAddChild(id string, child any) {
	t, ok := child.(*Timer)
	if !ok {
		return
	}
	m.reg.AddWithID(id, t)
	m.owner.ChildrenChanged()
}

// DidRemoveChild implements trait.ChildOps.
func (m *Manager) DidRemoveChild(id string, child any) {
	m.reg.Delete(id)
	m.owner.ChildrenChanged()
}

// ExtendSnapshot implements thing.SnapshotExtension: each Timer's own
// snapshot nests under "timr.<child-id>" per spec section 6.
func (m *Manager) ExtendSnapshot(snap thing.Snapshot) {
	for id, t := range m.reg.All() {
		snap["timr."+id] = map[string]any(t.Thing().CopyPersistentState())
	}
}

// RestoreSnapshot implements thing.SnapshotExtension.
func (m *Manager) RestoreSnapshot(snap thing.Snapshot) []string {
	var claimed []string
	for key, raw := range snap {
		id, ok := childIDFromKey(key)
		if !ok {
			continue
		}
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t := New(m.ex, m.ns, m.log, nil)
		if err := t.Thing().InitWithPersistentState(thing.Snapshot(fields)); err != nil {
			continue
		}
		m.reg.AddWithID(id, t)
		t.onAutoDelete = func() { m.Delete(id) }
		if t.enabled {
			t.arm()
		}
		claimed = append(claimed, key)
	}
	return claimed
}

func childIDFromKey(key string) (string, bool) {
	const prefix = "timr."
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}
