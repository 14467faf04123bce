package rule

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

func createMethodKey() trait.MethodKey { return trait.MethodKey{Trait: "rule", Leaf: "create"} }
func deleteMethodKey() trait.MethodKey { return trait.MethodKey{Trait: "rule", Leaf: "delete"} }

// Manager owns a parent Thing's Rule children, per spec 4.11.
type Manager struct {
	owner *thing.Thing
	ex    executor.Executor
	ns    *resource.Namespace
	log   *zap.Logger
	reg   *manager.Registry[*Rule]
}

// NewManager registers a Rule manager (trait short id "rule") on owner.
func NewManager(owner *thing.Thing, ex executor.Executor, ns *resource.Namespace, log *zap.Logger) *Manager {
	m := &Manager{owner: owner, ex: ex, ns: ns, log: log, reg: manager.New[*Rule]()}
	owner.RegisterTrait(m)
	owner.RegisterSnapshotExtension(m)
	return m
}

// ShortID implements trait.Trait.
func (m *Manager) ShortID() string { return "rule" }

// Properties implements trait.Trait.
func (m *Manager) Properties() map[trait.PropertyKey]trait.PropertyHooks { return nil }

// Methods implements trait.Trait: f/rule?create and f/rule?delete.
func (m *Manager) Methods() map[trait.MethodKey]trait.MethodHooks {
	return map[trait.MethodKey]trait.MethodHooks{
		createMethodKey(): {Flags: trait.Req, Invoke: m.invokeCreate},
		deleteMethodKey(): {Flags: trait.Req, Invoke: m.invokeDelete},
	}
}

// Children implements trait.Trait.
func (m *Manager) Children() trait.ChildOps { return m }

// invokeCreate implements onInvokeCreate: creation is atomic, any failure
// deletes the partially-built child and surfaces InvalidMethodArguments
// naming the offending parameter.
func (m *Manager) invokeCreate(args map[string]value.Value) (value.Value, error) {
	r := New(m.ex, m.ns, m.log)
	id := m.reg.Add(r)

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

	props := r.Properties()
	params := []struct {
		name string
		key  trait.PropertyKey
	}{
		{"match", ruleKey("match")},
		{"conditions", ruleKey("conditions")},
		{"actions", ruleKey("actions")},
		{"enabled", ruleKey("enabled")},
	}
	for _, pm := range params {
		if err := apply(pm.name, props[pm.key].Set); err != nil {
			m.reg.Delete(id)
			return value.Value{}, err
		}
	}
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

// Delete removes a Rule by id, unsubscribing its condition observers.
func (m *Manager) Delete(id string) {
	if r, ok := m.reg.Get(id); ok {
		r.Stop()
	}
	m.reg.Delete(id)
	m.owner.ChildrenChanged()
}

// CopyChildren implements trait.ChildOps.
func (m *Manager) CopyChildren() map[string]value.Value {
	out := map[string]value.Value{}
	for id, r := range m.reg.All() {
		snap := r.Thing().CopyPersistentState()
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
	rm, ok := child.(*Rule)
	if !ok {
		return "", false
	}
	return m.reg.IDFor(func(c *Rule) bool { return c == rm })
}

// ChildByID implements trait.ChildOps.
func (m *Manager) ChildByID(id string) (any, bool) {
	r, ok := m.reg.Get(id)
	if !ok {
		return nil, false
	}
	return r.Thing(), true
}

// DidAddChild implements trait.ChildOps.
func (m *Manager) DidAddChild(id string, child any) {
	r, ok := child.(*Rule)
	if !ok {
		return
	}
	m.reg.AddWithID(id, r)
	m.owner.ChildrenChanged()
}

// DidRemoveChild implements trait.ChildOps.
func (m *Manager) DidRemoveChild(id string, child any) {
	m.reg.Delete(id)
	m.owner.ChildrenChanged()
}

// ExtendSnapshot implements thing.SnapshotExtension.
func (m *Manager) ExtendSnapshot(snap thing.Snapshot) {
	for id, r := range m.reg.All() {
		snap["rule."+id] = map[string]any(r.Thing().CopyPersistentState())
	}
}

// RestoreSnapshot implements thing.SnapshotExtension. SetConditions binds
// every Observable as soon as its Set hook runs, so (unlike Timer/Pairing)
// no post-restore fixup is needed regardless of property iteration order.
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
		r := New(m.ex, m.ns, m.log)
		if err := r.Thing().InitWithPersistentState(thing.Snapshot(fields)); err != nil {
			continue
		}
		m.reg.AddWithID(id, r)
		claimed = append(claimed, key)
	}
	return claimed
}

func childIDFromKey(key string) (string, bool) {
	const prefix = "rule."
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}
