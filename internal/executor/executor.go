// Package executor provides the scheduling abstraction and generic deferred
// result ("Future") that every externally observable Thing/Group/
// ResourceLink operation returns, per the concurrency design notes.
//
// No package-level default executor is exposed outside of tests: the
// scheduling policy (fixed worker pool, inline synchronous) is always
// supplied by the caller that owns the Thing tree, mirroring how
// cfgtree.PTree takes its locking for granted rather than reaching for a
// package global.
package executor

import (
	"context"
	"sync"
	"time"
)

// Cancel stops a scheduled or repeating task. Calling it more than once, or
// after the task has already fired, is a no-op.
type Cancel func()

// Executor runs work asynchronously. Implementations must be safe for
// concurrent use.
type Executor interface {
	// Execute runs fn as soon as possible, without blocking the caller.
	Execute(fn func())
	// ScheduleOnce runs fn after d elapses.
	ScheduleOnce(d time.Duration, fn func()) Cancel
	// ScheduleAtFixedRate runs fn every d until cancelled.
	ScheduleAtFixedRate(d time.Duration, fn func()) Cancel
}

// pool is a small fixed-size goroutine-pool Executor, the default
// production implementation. Its size comes from internal/config.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// NewPool builds an Executor backed by n worker goroutines. Scheduled work
// (ScheduleOnce/ScheduleAtFixedRate) runs its own timer goroutine and hands
// the fired function to the pool for execution, so a slow task never delays
// an unrelated timer.
func NewPool(n int) Executor {
	if n <= 0 {
		n = 1
	}
	p := &pool{tasks: make(chan func(), 64)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

func (p *pool) Execute(fn func()) {
	p.tasks <- fn
}

func (p *pool) ScheduleOnce(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, func() { p.Execute(fn) })
	return func() { t.Stop() }
}

func (p *pool) ScheduleAtFixedRate(d time.Duration, fn func()) Cancel {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				p.Execute(fn)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// inline is a synchronous Executor used by tests: Execute and the fire of
// scheduled work run on the calling goroutine of whatever triggers them
// (ScheduleOnce/ScheduleAtFixedRate still use a real timer, since tests that
// exercise transition ticks or timer schedules need real elapsed time, but
// Execute itself never hands work to another goroutine).
type inline struct{}

// Inline returns the synchronous Executor used by package _test.go files.
// Production code never calls this; every constructor in this module takes
// an Executor as an explicit argument.
func Inline() Executor { return inline{} }

func (inline) Execute(fn func()) { fn() }

func (inline) ScheduleOnce(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (inline) ScheduleAtFixedRate(d time.Duration, fn func()) Cancel {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Future is a generic deferred result: exactly one of a value or an error
// becomes available exactly once, after which Listen callbacks registered
// before or after completion all fire, and Wait unblocks.
type Future[T any] struct {
	mu       sync.Mutex
	done     bool
	val      T
	err      error
	waiters  []chan struct{}
	onDone   []func(T, error)
	cancelFn func() bool
}

// NewFuture returns a Future paired with the resolve function that
// completes it. resolve is idempotent: only the first call has any effect.
func NewFuture[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{}
	return f, f.resolve
}

func (f *Future[T]) resolve(val T, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.val, f.err = val, err
	waiters := f.waiters
	cbs := f.onDone
	f.waiters = nil
	f.onDone = nil
	f.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, cb := range cbs {
		cb(val, err)
	}
}

// WithCancel attaches a cancellation function used by Cancel. Intended for
// use by the constructor that creates the Future, not external callers.
func (f *Future[T]) WithCancel(cancel func() bool) *Future[T] {
	f.mu.Lock()
	f.cancelFn = cancel
	f.mu.Unlock()
	return f
}

// Listen registers cb to run (via ex, if non-nil, else on the completing
// goroutine) once the Future resolves. If it has already resolved, cb runs
// immediately (via ex if provided).
func (f *Future[T]) Listen(ex Executor, cb func(T, error)) {
	f.mu.Lock()
	if f.done {
		val, err := f.val, f.err
		f.mu.Unlock()
		if ex != nil {
			ex.Execute(func() { cb(val, err) })
		} else {
			cb(val, err)
		}
		return
	}
	wrapped := cb
	if ex != nil {
		wrapped = func(v T, e error) { ex.Execute(func() { cb(v, e) }) }
	}
	f.onDone = append(f.onDone, wrapped)
	f.mu.Unlock()
}

// Wait blocks until the Future resolves or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	f.mu.Lock()
	if f.done {
		val, err := f.val, f.err
		f.mu.Unlock()
		return val, err
	}
	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	select {
	case <-ch:
		f.mu.Lock()
		val, err := f.val, f.err
		f.mu.Unlock()
		return val, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel attempts to cancel the pending operation underlying this Future.
// Cancellation is best-effort: if the operation has already completed or
// has no registered cancel function, Cancel returns false and the result
// (if any) stands.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	done := f.done
	cancelFn := f.cancelFn
	f.mu.Unlock()
	if done || cancelFn == nil {
		return false
	}
	return cancelFn()
}

// Done reports whether the Future has resolved.
func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Resolved returns a Future that is already complete with val, nil.
func Resolved[T any](val T) *Future[T] {
	f, resolve := NewFuture[T]()
	resolve(val, nil)
	return f
}

// Failed returns a Future that is already complete with the zero value and
// err.
func Failed[T any](err error) *Future[T] {
	var zero T
	f, resolve := NewFuture[T]()
	resolve(zero, err)
	return f
}
