// Package rule implements the Rule automation primitive: an edge-triggered
// action dispatcher gated by a list of source-URI + RPN-predicate
// conditions, combined with an all/any match mode (spec section 4.11).
//
// The condition-list-plus-match-mode shape and the edge-triggered (not
// continuous) firing discipline are grounded on the same
// value-changed-then-recompute idiom as automation/pairing's reactive loop,
// generalized from "one source, one transform" to "N sources, one boolean
// combinator."
package rule

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/google/splot-local/automation/timer"
	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/rpn"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// Action reuses Timer's (URI path, method, body) action shape; spec 4.11
// describes the Rule action list as "same structure as Timer's."
type Action = timer.Action

// Match is a Rule's condition-combination mode.
type Match int

const (
	// MatchAll requires every condition to hold (logical AND).
	MatchAll Match = iota
	// MatchAny requires at least one condition to hold (logical OR).
	MatchAny
)

func (m Match) String() string {
	if m == MatchAny {
		return "any"
	}
	return "all"
}

func parseMatch(s string) (Match, error) {
	switch s {
	case "all", "":
		return MatchAll, nil
	case "any":
		return MatchAny, nil
	default:
		return MatchAll, errors.Errorf("unrecognized match mode %q", s)
	}
}

// condition is one (source URI, predicate) pair, bound to a live Observable
// once SetConditions runs.
type condition struct {
	uri          string
	predicateSrc string
	predicate    *rpn.Program

	obs       *resource.Observable
	unsub     func()
	lastValue value.Value
}

func ruleKey(leaf string) trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "rule", Leaf: leaf}
}

func trapKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.Metadata, Trait: "rule", Leaf: "trap"}
}

// Rule is one Rule child: a Thing carrying the "rule" trait's properties
// plus the condition-evaluation machinery that drives it.
type Rule struct {
	mu  sync.Mutex
	th  *thing.Thing
	ex  executor.Executor
	ns  *resource.Namespace
	log *zap.Logger

	enabled    bool
	match      Match
	conditions []*condition
	actions    []Action

	satisfied bool
	count     int64
	trap      string

	onAutoDelete func()
}

// New constructs an unconditioned, disabled Rule; SetConditions must be
// called before enabling it does anything observable.
func New(ex executor.Executor, ns *resource.Namespace, log *zap.Logger) *Rule {
	r := &Rule{
		ex:  ex,
		ns:  ns,
		log: log,
		th:  thing.New(ex, log),
	}
	r.th.RegisterTrait(r)
	return r
}

// Thing returns the Rule's addressable Thing.
func (r *Rule) Thing() *thing.Thing { return r.th }

// ShortID implements trait.Trait.
func (r *Rule) ShortID() string { return "rule" }

// Children implements trait.Trait: a Rule owns no further children.
func (r *Rule) Children() trait.ChildOps { return nil }

// Methods implements trait.Trait: a Rule exposes no invokable methods of
// its own beyond the manager-level create/delete.
func (r *Rule) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }

// Properties implements trait.Trait.
func (r *Rule) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		ruleKey("enabled"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { r.mu.Lock(); defer r.mu.Unlock(); return value.Bool(r.enabled), nil },
			Set:   r.setEnabled,
		},
		ruleKey("match"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { r.mu.Lock(); defer r.mu.Unlock(); return value.Text(r.match.String()), nil },
			Set:   r.setMatch,
		},
		ruleKey("conditions"): {
			Flags: trait.Get | trait.Set,
			Get:   r.getConditions,
			Set:   r.SetConditions,
		},
		ruleKey("actions"): {
			Flags: trait.Get | trait.Set,
			Get:   r.getActions,
			Set:   r.SetActions,
		},
		ruleKey("count"): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { r.mu.Lock(); defer r.mu.Unlock(); return value.Int(r.count), nil },
		},
		trapKey(): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { r.mu.Lock(); defer r.mu.Unlock(); return value.Text(r.trap), nil },
		},
	}
}

func (r *Rule) setEnabled(v value.Value) error {
	b, err := v.Bool()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.enabled = b
	r.mu.Unlock()
	return nil
}

func (r *Rule) setMatch(v value.Value) error {
	s, err := v.Text()
	if err != nil {
		return err
	}
	m, err := parseMatch(s)
	if err != nil {
		return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("match").String(), err)
	}
	r.mu.Lock()
	r.match = m
	r.mu.Unlock()
	return nil
}

// SetConditions replaces the condition list: each entry is a
// {"source": <URI text>, "predicate": <RPN text>} map. Stale bindings are
// unsubscribed before the new list takes effect; the baseline satisfied
// state is recomputed without firing actions, so attaching conditions to
// an already-enabled Rule never fires on the initial assignment.
func (r *Rule) SetConditions(v value.Value) error {
	items, err := v.List()
	if err != nil {
		return err
	}

	fresh := make([]*condition, 0, len(items))
	for i, item := range items {
		fields, ferr := item.Map()
		if ferr != nil {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("conditions").String(),
				errors.Wrapf(ferr, "condition %d", i))
		}
		uriVal, ok := fields["source"]
		if !ok {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("conditions").String(),
				errors.Errorf("condition %d: missing %q", i, "source"))
		}
		uri, uerr := uriVal.Text()
		if uerr != nil {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("conditions").String(), uerr)
		}
		predVal, ok := fields["predicate"]
		if !ok {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("conditions").String(),
				errors.Errorf("condition %d: missing %q", i, "predicate"))
		}
		predSrc, perr := predVal.Text()
		if perr != nil {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("conditions").String(), perr)
		}
		prog, cerr := rpn.Compile(predSrc)
		if cerr != nil {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("conditions").String(),
				errors.Wrapf(cerr, "condition %d predicate", i))
		}
		fresh = append(fresh, &condition{uri: uri, predicateSrc: predSrc, predicate: prog, lastValue: value.Null})
	}

	r.mu.Lock()
	stale := r.conditions
	r.conditions = fresh
	r.mu.Unlock()

	for _, c := range stale {
		if c.unsub != nil {
			c.unsub()
		}
	}
	for idx, c := range fresh {
		i := idx
		c.obs = r.ns.ResolveObservable(c.uri, r.ex)
		if cur, ferr := c.obs.FetchValue().Wait(context.Background()); ferr == nil {
			r.mu.Lock()
			c.lastValue = cur
			r.mu.Unlock()
		}
		c.unsub = c.obs.AddObserver(func(v value.Value) { r.handleConditionChange(i, v) })
	}

	r.mu.Lock()
	r.satisfied = r.evaluateAllLocked()
	r.mu.Unlock()
	return nil
}

func (r *Rule) getConditions() (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]value.Value, len(r.conditions))
	for i, c := range r.conditions {
		out[i] = value.Map(map[string]value.Value{
			"source":    value.Text(c.uri),
			"predicate": value.Text(c.predicateSrc),
		})
	}
	return value.List(out...), nil
}

// SetActions replaces the action list, rejecting any entry whose method
// isn't POST at assignment time, mirroring Timer's SetActions.
func (r *Rule) SetActions(v value.Value) error {
	items, err := v.List()
	if err != nil {
		return err
	}
	actions := make([]Action, 0, len(items))
	for i, item := range items {
		fields, ferr := item.Map()
		if ferr != nil {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("actions").String(),
				errors.Wrapf(ferr, "action %d", i))
		}
		path, _ := fields["path"].Text()
		method, _ := fields["method"].Text()
		if method != "POST" {
			return trait.NewError(trait.InvalidPropertyValue, "set "+ruleKey("actions").String(),
				errors.Errorf("action %d: unsupported method %q", i, method))
		}
		actions = append(actions, Action{Path: path, Method: method, Body: fields["body"]})
	}
	r.mu.Lock()
	r.actions = actions
	r.mu.Unlock()
	return nil
}

func (r *Rule) getActions() (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]value.Value, len(r.actions))
	for i, a := range r.actions {
		out[i] = value.Map(map[string]value.Value{
			"path":   value.Text(a.Path),
			"method": value.Text(a.Method),
			"body":   a.Body,
		})
	}
	return value.List(out...), nil
}

// evaluateAllLocked combines every condition's current predicate result per
// r.match. Callers must hold r.mu.
func (r *Rule) evaluateAllLocked() bool {
	if len(r.conditions) == 0 {
		return false
	}
	for _, c := range r.conditions {
		ctx := rpn.NewContext()
		ctx.Set("v", c.lastValue)
		out, stopped, err := c.predicate.EvalOne(ctx)
		pass := false
		if err == nil && !stopped {
			if b, berr := out.Bool(); berr == nil {
				pass = b
			}
		}
		switch r.match {
		case MatchAll:
			if !pass {
				return false
			}
		case MatchAny:
			if pass {
				return true
			}
		}
	}
	return r.match == MatchAll
}

// handleConditionChange updates the named condition's cached value,
// recomputes the match result, and fires actions exactly once per
// satisfied edge.
func (r *Rule) handleConditionChange(idx int, v value.Value) {
	r.mu.Lock()
	if !r.enabled || idx >= len(r.conditions) {
		r.mu.Unlock()
		return
	}
	r.conditions[idx].lastValue = v
	was := r.satisfied
	now := r.evaluateAllLocked()
	r.satisfied = now
	actions := append([]Action(nil), r.actions...)
	r.mu.Unlock()

	if now && !was {
		r.dispatchActions(actions)
		r.mu.Lock()
		r.count++
		r.mu.Unlock()
	}
}

// dispatchActions invokes every POST action best-effort, mirroring Timer's
// dispatchActions.
func (r *Rule) dispatchActions(actions []Action) {
	if len(actions) == 0 {
		return
	}
	failed := false
	for i, a := range actions {
		link, err := r.ns.Resolve(a.Path)
		if err != nil {
			r.recordTrap(i, "resolve-fail")
			failed = true
			continue
		}
		if _, err := link.Invoke(a.Body).Wait(context.Background()); err != nil {
			r.recordTrap(i, "invoke-fail")
			failed = true
			if r.log != nil {
				r.log.Debug("rule action invoke failed", zap.Int("action", i), zap.Error(err))
			}
		}
	}
	if !failed {
		r.clearTrap()
	}
}

func (r *Rule) recordTrap(idx int, token string) {
	r.mu.Lock()
	if r.trap == "" {
		r.trap = strconv.Itoa(idx) + ":" + token
	}
	r.mu.Unlock()
}

func (r *Rule) clearTrap() {
	r.mu.Lock()
	r.trap = ""
	r.mu.Unlock()
}

// Stop unsubscribes every condition observer, used when the owning Manager
// deletes this Rule.
func (r *Rule) Stop() {
	r.mu.Lock()
	conds := r.conditions
	r.mu.Unlock()
	for _, c := range conds {
		if c.unsub != nil {
			c.unsub()
		}
	}
}

