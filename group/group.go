// Package group implements the Group object: a Thing whose state-section
// reads and writes fan out across a set of member Things rather than
// dispatching through its own trait registry.
//
// The fan-out/collect shape is grounded on ap_common/broker's pattern of
// broadcasting to N registered targets and joining their replies, adapted
// from "publish to N topic subscribers" to "apply/fetch against N member
// Things." Concurrency uses golang.org/x/sync/errgroup, matching the
// concurrent-fan-out style already present in the corpus's broker code
// rather than hand-rolled WaitGroup bookkeeping.
package group

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// ShortID is the trait short id a Group registers on its owner Thing, used
// both for dispatch namespacing and to detect "is this Thing itself a
// native group" when another group tries to join it as a member (forbidden
// per spec).
const ShortID = "grup"

// Group is a Thing (via owner) whose state-section operations broadcast to
// a set of member Things instead of dispatching locally. Non-state
// operations on the Group itself fall back to owner's ordinary behavior.
type Group struct {
	mu  sync.Mutex
	uid string

	owner *thing.Thing
	ns    *resource.Namespace
	ex    executor.Executor
	log   *zap.Logger

	uids    []string
	members map[string]*thing.Thing

	unsubHost   func()
	unsubUnhost func()
}

// New constructs a Group identified by uid, owned by owner, resolving
// members through ns. It registers itself as a marker trait on owner (so
// other Groups can detect "this Thing is a native group") and as a
// SnapshotExtension claiming the "group-<uid>" reserved persistence key.
func New(uid string, owner *thing.Thing, ns *resource.Namespace, ex executor.Executor, log *zap.Logger) *Group {
	g := &Group{
		uid:     uid,
		owner:   owner,
		ns:      ns,
		ex:      ex,
		log:     log,
		members: map[string]*thing.Thing{},
	}
	owner.RegisterTrait(g)
	owner.RegisterSnapshotExtension(g)
	g.unsubHost = ns.SubscribeHost(g.onHost)
	return g
}

// Close unsubscribes the Group from namespace host/unhost notifications.
// Call when the Group itself is unhosted.
func (g *Group) Close() {
	if g.unsubHost != nil {
		g.unsubHost()
	}
	if g.unsubUnhost != nil {
		g.unsubUnhost()
	}
}

// ShortID implements trait.Trait.
func (g *Group) ShortID() string { return ShortID }

// Properties implements trait.Trait: a Group contributes no properties of
// its own; its state section is the fanned-out union of its members'.
func (g *Group) Properties() map[trait.PropertyKey]trait.PropertyHooks { return nil }

// Methods implements trait.Trait.
func (g *Group) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }

// Children implements trait.Trait: a Group owns no child Things of its own.
func (g *Group) Children() trait.ChildOps { return nil }

// ExtendSnapshot implements thing.SnapshotExtension.
func (g *Group) ExtendSnapshot(snap thing.Snapshot) {
	g.mu.Lock()
	uids := append([]string(nil), g.uids...)
	g.mu.Unlock()

	list := make([]any, len(uids))
	for i, u := range uids {
		list[i] = u
	}
	snap["group-"+g.uid] = list
}

// RestoreSnapshot implements thing.SnapshotExtension.
func (g *Group) RestoreSnapshot(snap thing.Snapshot) []string {
	key := "group-" + g.uid
	raw, ok := snap[key]
	if !ok {
		return nil
	}
	list, _ := raw.([]any)
	uids := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			uids = append(uids, s)
		}
	}

	g.mu.Lock()
	g.uids = uids
	g.mu.Unlock()
	for _, u := range uids {
		g.tryResolve(u)
	}
	return []string{key}
}

// Join adds uid to the member set, resolving it immediately if it's
// already hosted. Joining a Thing that is itself a native group is
// forbidden (spec 4.8) and reports InvalidPropertyValue.
func (g *Group) Join(uid string) error {
	g.mu.Lock()
	for _, u := range g.uids {
		if u == uid {
			g.mu.Unlock()
			return nil
		}
	}
	if th, ok := g.ns.ThingFor(uid); ok {
		if _, isGroup := th.Registry().Trait(ShortID); isGroup {
			g.mu.Unlock()
			return trait.NewError(trait.InvalidPropertyValue, "join "+uid, nil)
		}
		g.members[uid] = th
	}
	g.uids = append(g.uids, uid)
	g.mu.Unlock()
	return nil
}

// Leave removes uid from the member set, whether or not it is currently
// resolved.
func (g *Group) Leave(uid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, uid)
	for i, u := range g.uids {
		if u == uid {
			g.uids = append(g.uids[:i], g.uids[i+1:]...)
			break
		}
	}
}

// Members returns the currently resolved member Things, a weak snapshot
// safe to range over after releasing the Group's lock (spec 5: "removal
// during iteration is permitted").
func (g *Group) Members() []*thing.Thing {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*thing.Thing, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

func (g *Group) onHost(uid string, th *thing.Thing) {
	g.mu.Lock()
	known := false
	for _, u := range g.uids {
		if u == uid {
			known = true
			break
		}
	}
	if known {
		g.members[uid] = th
	}
	g.mu.Unlock()
}

func (g *Group) tryResolve(uid string) {
	if th, ok := g.ns.ThingFor(uid); ok {
		g.mu.Lock()
		g.members[uid] = th
		g.mu.Unlock()
	}
}

// ApplyProperties implements the Group's apply_properties: writes to
// State-section keys fan out to every resolved member; any other keys
// apply to the Group's own owner Thing (the normal Thing behavior,
// spec 4.8's "non-state operations fall back to the base Thing behavior on
// the Group object itself"). The returned Future resolves once both
// halves complete; per-member failures are swallowed (best-effort state
// broadcast, spec section 5) and only logged.
func (g *Group) ApplyProperties(writes map[trait.PropertyKey]value.Value, mods thing.Modifiers) *executor.Future[struct{}] {
	stateWrites := map[trait.PropertyKey]value.Value{}
	otherWrites := map[trait.PropertyKey]value.Value{}
	for k, v := range writes {
		if k.Section == trait.State {
			stateWrites[k] = v
		} else {
			otherWrites[k] = v
		}
	}

	future, resolve := executor.NewFuture[struct{}]()
	g.ex.Execute(func() {
		var grp errgroup.Group
		if len(otherWrites) > 0 {
			grp.Go(func() error {
				_, err := g.owner.ApplyProperties(otherWrites, mods).Wait(context.Background())
				return err
			})
		}
		if len(stateWrites) > 0 {
			grp.Go(func() error {
				g.fanOutApply(stateWrites, mods)
				return nil
			})
		}
		err := grp.Wait()
		resolve(struct{}{}, err)
	})
	return future
}

// fanOutApply broadcasts writes to every resolved member concurrently,
// logging (not propagating) any individual failure.
func (g *Group) fanOutApply(writes map[trait.PropertyKey]value.Value, mods thing.Modifiers) {
	members := g.Members()
	var grp errgroup.Group
	for _, m := range members {
		m := m
		grp.Go(func() error {
			_, err := m.ApplyProperties(writes, mods).Wait(context.Background())
			if err != nil && g.log != nil {
				g.log.Debug("group member apply failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = grp.Wait()
}

// FetchSection implements the Group's fetch_section: for the State
// section, fans out to every resolved member and aggregates per spec 4.8 —
// a property present in every member's State section with an identical
// value keeps that value; a property present but disagreeing across members is returned as
// null; a property missing from any member is omitted entirely. Non-state
// sections delegate to owner.
func (g *Group) FetchSection(section trait.Section, mods thing.Modifiers) *executor.Future[map[trait.PropertyKey]value.Value] {
	if section != trait.State {
		return g.owner.FetchSection(section, mods)
	}

	members := g.Members()
	if len(members) == 0 {
		return executor.Resolved(map[trait.PropertyKey]value.Value{})
	}

	future, resolve := executor.NewFuture[map[trait.PropertyKey]value.Value]()
	g.ex.Execute(func() {
		sections := make([]map[trait.PropertyKey]value.Value, len(members))
		var grp errgroup.Group
		for i, m := range members {
			i, m := i, m
			grp.Go(func() error {
				s, err := m.FetchSection(trait.State, mods).Wait(context.Background())
				if err != nil {
					return nil
				}
				sections[i] = s
				return nil
			})
		}
		_ = grp.Wait()

		out := map[trait.PropertyKey]value.Value{}
		counts := map[trait.PropertyKey]int{}
		agree := map[trait.PropertyKey]bool{}
		seen := map[trait.PropertyKey]bool{}
		for _, s := range sections {
			for k, v := range s {
				counts[k]++
				if !seen[k] {
					out[k] = v
					agree[k] = true
					seen[k] = true
				} else if !value.Equal(out[k], v) {
					agree[k] = false
				}
			}
		}
		result := map[trait.PropertyKey]value.Value{}
		for k, n := range counts {
			if n != len(members) {
				continue
			}
			if agree[k] {
				result[k] = out[k]
			} else {
				result[k] = value.Null
			}
		}
		resolve(result, nil)
	})
	return future
}
