package pairing

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/google/splot-local/automation/manager"
	"github.com/google/splot-local/internal/config"
	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

func createMethodKey() trait.MethodKey { return trait.MethodKey{Trait: "pair", Leaf: "create"} }
func deleteMethodKey() trait.MethodKey { return trait.MethodKey{Trait: "pair", Leaf: "delete"} }

// Manager owns a parent Thing's Pairing children, per spec 4.11.
type Manager struct {
	owner   *thing.Thing
	ex      executor.Executor
	ns      *resource.Namespace
	log     *zap.Logger
	tunable config.Tunables
	reg     *manager.Registry[*Pairing]
}

// NewManager registers a Pairing manager (trait short id "pair") on owner.
func NewManager(owner *thing.Thing, ex executor.Executor, ns *resource.Namespace, log *zap.Logger, tunable config.Tunables) *Manager {
	m := &Manager{owner: owner, ex: ex, ns: ns, log: log, tunable: tunable, reg: manager.New[*Pairing]()}
	owner.RegisterTrait(m)
	owner.RegisterSnapshotExtension(m)
	return m
}

// ShortID implements trait.Trait.
func (m *Manager) ShortID() string { return "pair" }

// Properties implements trait.Trait.
func (m *Manager) Properties() map[trait.PropertyKey]trait.PropertyHooks { return nil }

// Methods implements trait.Trait: f/pair?create and f/pair?delete.
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
	p := New(m.ex, m.ns, m.log, m.tunable)
	id := m.reg.Add(p)

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

	props := p.Properties()
	params := []struct {
		name string
		key  trait.PropertyKey
	}{
		{"source_link", pairKey("source_link")},
		{"destination_link", pairKey("destination_link")},
		{"forward", pairKey("forward")},
		{"reverse", pairKey("reverse")},
		{"source_epsilon", pairKey("source_epsilon")},
		{"destination_epsilon", pairKey("destination_epsilon")},
		{"push", pairKey("push")},
		{"pull", pairKey("pull")},
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

// Delete removes a Pairing by id.
func (m *Manager) Delete(id string) {
	m.reg.Delete(id)
	m.owner.ChildrenChanged()
}

// CopyChildren implements trait.ChildOps.
func (m *Manager) CopyChildren() map[string]value.Value {
	out := map[string]value.Value{}
	for id, p := range m.reg.All() {
		snap := p.Thing().CopyPersistentState()
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
	pm, ok := child.(*Pairing)
	if !ok {
		return "", false
	}
	return m.reg.IDFor(func(c *Pairing) bool { return c == pm })
}

// ChildByID implements trait.ChildOps.
func (m *Manager) ChildByID(id string) (any, bool) {
	p, ok := m.reg.Get(id)
	if !ok {
		return nil, false
	}
	return p.Thing(), true
}

// DidAddChild implements trait.ChildOps.
func (m *Manager) DidAddChild(id string, child any) {
	p, ok := child.(*Pairing)
	if !ok {
		return
	}
	m.reg.AddWithID(id, p)
	m.owner.ChildrenChanged()
}

// DidRemoveChild implements trait.ChildOps.
func (m *Manager) DidRemoveChild(id string, child any) {
	m.reg.Delete(id)
	m.owner.ChildrenChanged()
}

// ExtendSnapshot implements thing.SnapshotExtension.
func (m *Manager) ExtendSnapshot(snap thing.Snapshot) {
	for id, p := range m.reg.All() {
		snap["pair."+id] = map[string]any(p.Thing().CopyPersistentState())
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
		p := New(m.ex, m.ns, m.log, m.tunable)
		if err := p.Thing().InitWithPersistentState(thing.Snapshot(fields)); err != nil {
			continue
		}
		p.rebindAfterRestore()
		m.reg.AddWithID(id, p)
		claimed = append(claimed, key)
	}
	return claimed
}

func childIDFromKey(key string) (string, bool) {
	const prefix = "pair."
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}
