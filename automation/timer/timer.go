// Package timer implements the Timer automation primitive: an Idle/Armed/
// Firing lifecycle driven by a schedule RPN program and gated by a
// predicate RPN program, dispatching a POST-only action list on each
// successful fire (spec section 4.9).
//
// The lifecycle state representation is grounded on ap_common/mcp's
// small-int-const daemon-state enum (OFFLINE/STARTING/.../BROKEN plus a
// States name map); the schedule-then-reschedule loop is grounded on
// ap.configd's expiration-heap single-timer rescheduling idiom, generalized
// from "one shared heap of property expirations" to "one executor.Cancel
// handle per Timer, rearmed after every fire."
package timer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/rpn"
	"github.com/google/splot-local/thing"
	"github.com/google/splot-local/trait"
)

// State is the Timer lifecycle state.
type State int

const (
	Idle State = iota
	Armed
	Firing
)

var stateNames = map[State]string{Idle: "idle", Armed: "armed", Firing: "firing"}

func (s State) String() string { return stateNames[s] }

// Action is one entry in a Timer's action list: a resource URI, an HTTP-ish
// verb (only POST is recognized; anything else rejects at assignment
// time), and the body value to invoke with.
type Action struct {
	Path   string
	Method string
	Body   value.Value
}

// Timer is one Timer child: a Thing carrying the "timr" trait's properties
// plus the scheduling machinery that drives it.
type Timer struct {
	mu  sync.Mutex
	th  *thing.Thing
	ex  executor.Executor
	ns  *resource.Namespace
	log *zap.Logger

	state   State
	cancel  executor.Cancel
	fireAt  time.Time

	enabled    bool
	autoReset  bool
	autoDelete bool
	count      int64
	attempt    int64
	lastFired  int64

	scheduleSrc  string
	predicateSrc string
	schedule     *rpn.Program
	predicate    *rpn.Program

	actions []Action
	trap    string

	onAutoDelete func()
}

func timrKey(leaf string) trait.PropertyKey {
	return trait.PropertyKey{Section: trait.State, Trait: "timr", Leaf: leaf}
}

func trapKey() trait.PropertyKey {
	return trait.PropertyKey{Section: trait.Metadata, Trait: "timr", Leaf: "trap"}
}

// New constructs an armable Timer. onAutoDelete is called (outside any
// lock) when the Timer reaches Idle with auto_delete set; the caller
// (typically the owning Manager) is responsible for actually removing it
// from its registry.
func New(ex executor.Executor, ns *resource.Namespace, log *zap.Logger, onAutoDelete func()) *Timer {
	t := &Timer{
		ex:           ex,
		ns:           ns,
		log:          log,
		th:           thing.New(ex, log),
		onAutoDelete: onAutoDelete,
	}
	t.th.RegisterTrait(t)
	return t
}

// Thing returns the Timer's addressable Thing.
func (t *Timer) Thing() *thing.Thing { return t.th }

// ShortID implements trait.Trait.
func (t *Timer) ShortID() string { return "timr" }

// Children implements trait.Trait: a Timer owns no further children.
func (t *Timer) Children() trait.ChildOps { return nil }

// Properties implements trait.Trait.
func (t *Timer) Properties() map[trait.PropertyKey]trait.PropertyHooks {
	return map[trait.PropertyKey]trait.PropertyHooks{
		timrKey("enabled"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Bool(t.enabled), nil },
			Set:   t.setEnabled,
		},
		timrKey("running"): {
			Flags: trait.Get | trait.NoSave,
			Get: func() (value.Value, error) {
				t.mu.Lock()
				defer t.mu.Unlock()
				return value.Bool(t.state == Armed), nil
			},
		},
		timrKey("count"): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Int(t.count), nil },
		},
		timrKey("last_fired_time"): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Int(t.lastFired), nil },
		},
		timrKey("fire_time"): {
			Flags: trait.Get | trait.NoSave,
			Get: func() (value.Value, error) {
				t.mu.Lock()
				defer t.mu.Unlock()
				if t.state != Armed {
					return value.Null, nil
				}
				return value.Int(t.fireAt.Unix()), nil
			},
		},
		timrKey("auto_reset"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Bool(t.autoReset), nil },
			Set:   t.setAutoReset,
		},
		timrKey("auto_delete"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Bool(t.autoDelete), nil },
			Set:   t.setAutoDelete,
		},
		timrKey("schedule_program"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Text(t.scheduleSrc), nil },
			Set:   t.setSchedule,
		},
		timrKey("predicate_program"): {
			Flags: trait.Get | trait.Set,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Text(t.predicateSrc), nil },
			Set:   t.setPredicate,
		},
		trapKey(): {
			Flags: trait.Get | trait.NoSave,
			Get:   func() (value.Value, error) { t.mu.Lock(); defer t.mu.Unlock(); return value.Text(t.trap), nil },
		},
	}
}

// Methods implements trait.Trait: a Timer exposes no invokable methods of
// its own beyond the manager-level create/delete.
func (t *Timer) Methods() map[trait.MethodKey]trait.MethodHooks { return nil }

func (t *Timer) setSchedule(v value.Value) error {
	src, err := v.Text()
	if err != nil {
		return err
	}
	prog, err := rpn.Compile(src)
	if err != nil {
		return trait.NewError(trait.InvalidPropertyValue, "set "+timrKey("schedule_program").String(), err)
	}
	t.mu.Lock()
	t.scheduleSrc = src
	t.schedule = prog
	armed := t.state == Armed
	t.mu.Unlock()
	if armed {
		t.arm()
	}
	return nil
}

func (t *Timer) setPredicate(v value.Value) error {
	src, err := v.Text()
	if err != nil {
		return err
	}
	prog, err := rpn.Compile(src)
	if err != nil {
		return trait.NewError(trait.InvalidPropertyValue, "set "+timrKey("predicate_program").String(), err)
	}
	t.mu.Lock()
	t.predicateSrc = src
	t.predicate = prog
	t.mu.Unlock()
	return nil
}

// SetActions replaces the action list, rejecting any entry whose method
// isn't POST at assignment time (spec 4.9).
func (t *Timer) SetActions(actions []Action) error {
	for i, a := range actions {
		if a.Method != "POST" {
			return trait.NewError(trait.InvalidPropertyValue, "set actions",
				errors.Errorf("action %d: unsupported method %q", i, a.Method))
		}
	}
	t.mu.Lock()
	t.actions = actions
	t.mu.Unlock()
	return nil
}

func (t *Timer) setAutoReset(v value.Value) error {
	b, err := v.Bool()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.autoReset = b
	t.mu.Unlock()
	return nil
}

func (t *Timer) setAutoDelete(v value.Value) error {
	b, err := v.Bool()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.autoDelete = b
	t.mu.Unlock()
	return nil
}

func (t *Timer) setEnabled(v value.Value) error {
	b, err := v.Bool()
	if err != nil {
		return err
	}
	t.mu.Lock()
	was := t.enabled
	t.enabled = b
	t.mu.Unlock()

	if b && !was {
		t.arm()
	} else if !b && was {
		t.Stop()
	}
	return nil
}

// Stop cancels any pending fire and returns the Timer to Idle.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.state = Idle
	autoDelete := t.autoDelete
	t.mu.Unlock()
	if autoDelete && t.onAutoDelete != nil {
		t.onAutoDelete()
	}
}

// scheduleVars builds the shared variable set the schedule and predicate
// programs evaluate with. c is the attempt number of the cycle being
// armed/fired (1 on the first scheduled attempt, incrementing every cycle
// regardless of whether the predicate passes) rather than the exposed
// `count` state property, which per spec only advances on a successful
// fire: a predicate gated purely on the exposed count would freeze solid
// the first time it failed, since that property never changes again while
// the predicate keeps failing. rtc.awm/wom/woy (arbitrary-week-of-month/
// week-of-month/week-of-year) have no normative definition in spec.md
// beyond their names; this computes week-of-month as ceil(day/7) and
// week-of-year via the ISO week number, the closest stdlib-derivable
// reading.
func (t *Timer) scheduleVars(attempt int64) *rpn.Context {
	ctx := rpn.NewContext()
	now := time.Now()
	ctx.Set("c", value.Int(attempt))
	ctx.Set("rtc.tod", value.Real(float64(now.Hour())+float64(now.Minute())/60+float64(now.Second())/3600))
	ctx.Set("rtc.dow", value.Int(int64((int(now.Weekday())+6)%7)))
	ctx.Set("rtc.dom", value.Int(int64(now.Day())))
	ctx.Set("rtc.doy", value.Int(int64(now.YearDay())))
	ctx.Set("rtc.moy", value.Int(int64(now.Month())))
	ctx.Set("rtc.awm", value.Int(int64((now.Day()-1)/7+1)))
	ctx.Set("rtc.wom", value.Int(int64((now.Day()-1)/7+1)))
	_, woy := now.ISOWeek()
	ctx.Set("rtc.woy", value.Int(int64(woy)))
	ctx.Set("rtc.y", value.Int(int64(now.Year())))
	return ctx
}

// arm evaluates the schedule program and, if it yields a positive number
// of seconds, schedules fire() after that delay.
func (t *Timer) arm() {
	t.mu.Lock()
	if t.schedule == nil || !t.enabled {
		t.mu.Unlock()
		return
	}
	t.attempt++
	attempt := t.attempt
	schedule := t.schedule
	autoDelete := t.autoDelete
	t.mu.Unlock()

	v, stopped, err := schedule.EvalOne(t.scheduleVars(attempt))
	if err != nil || stopped {
		t.goIdle(autoDelete)
		return
	}
	secs, numErr := v.Real()
	if numErr != nil || secs <= 0 {
		t.goIdle(autoDelete)
		return
	}

	d := time.Duration(secs * float64(time.Second))
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = t.ex.ScheduleOnce(d, t.fire)
	t.state = Armed
	t.fireAt = time.Now().Add(d)
	t.mu.Unlock()
}

func (t *Timer) goIdle(autoDelete bool) {
	t.mu.Lock()
	t.state = Idle
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	if autoDelete && t.onAutoDelete != nil {
		t.onAutoDelete()
	}
}

// fire evaluates the predicate and, if it passes, dispatches actions and
// increments count; a failing predicate is silent per spec 4.9.
func (t *Timer) fire() {
	t.mu.Lock()
	t.state = Firing
	predicate := t.predicate
	autoReset := t.autoReset
	autoDelete := t.autoDelete
	attempt := t.attempt
	actions := append([]Action(nil), t.actions...)
	t.mu.Unlock()

	pass := true
	if predicate != nil {
		v, stopped, err := predicate.EvalOne(t.scheduleVars(attempt))
		if err != nil || stopped {
			pass = false
		} else if b, berr := v.Bool(); berr != nil || !b {
			pass = false
		}
	}

	if pass {
		t.dispatchActions(actions)
		t.mu.Lock()
		t.count++
		t.lastFired = int64(time.Now().Unix())
		t.mu.Unlock()
	}

	if autoReset {
		t.arm()
	} else {
		t.goIdle(autoDelete)
	}
}

// dispatchActions invokes every POST action in list order, best-effort:
// invocation failures are logged and recorded as a trap naming the first
// failing action, but do not abort sibling actions.
func (t *Timer) dispatchActions(actions []Action) {
	if len(actions) == 0 {
		return
	}
	failed := false
	for i, a := range actions {
		link, err := t.ns.Resolve(a.Path)
		if err != nil {
			t.recordTrap(i, "resolve-fail")
			failed = true
			continue
		}
		if _, err := link.Invoke(a.Body).Wait(context.Background()); err != nil {
			t.recordTrap(i, "invoke-fail")
			failed = true
			if t.log != nil {
				t.log.Debug("timer action invoke failed", zap.Int("action", i), zap.Error(err))
			}
		}
	}
	if !failed {
		t.clearTrap()
	}
}

func (t *Timer) recordTrap(idx int, token string) {
	t.mu.Lock()
	if t.trap == "" {
		t.trap = strconv.Itoa(idx) + ":" + token
	}
	t.mu.Unlock()
}

func (t *Timer) clearTrap() {
	t.mu.Lock()
	t.trap = ""
	t.mu.Unlock()
}
