package thing

import (
	"sync/atomic"

	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/internal/value"
	"github.com/google/splot-local/trait"
)

// Each listener kind pairs a callback with the Executor its caller
// requires delivery on, per spec's "every listener registration includes
// the executor on which its callback must be delivered." cancelled is
// checked inside the dispatched closure so that an unregister racing the
// executor can still suppress a not-yet-delivered synthetic notification.
type propertyListener struct {
	ex        executor.Executor
	cb        func(value.Value)
	cancelled int32
}

type sectionListener struct {
	ex        executor.Executor
	cb        func(map[trait.PropertyKey]value.Value)
	cancelled int32
}

type childListener struct {
	ex        executor.Executor
	cb        func(map[string]any)
	cancelled int32
}

func cancelFlag(p *int32) func()  { return func() { atomic.StoreInt32(p, 1) } }
func isLive(p *int32) bool        { return atomic.LoadInt32(p) == 0 }
