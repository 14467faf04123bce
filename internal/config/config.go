// Package config holds the runtime tunables that spec section 4/5 leave as
// implementation-defined constants: transition tick bounds, default pairing
// epsilon, executor worker-pool size, and lazy-link cache capacity.
//
// Defaults are hardcoded; a host binary embedding this module may overlay
// them from a TOML file, the same way emergent-company-specmcp layers its
// own config.
package config

import (
	"github.com/BurntSushi/toml"
)

// Tunables holds every value a host process might reasonably want to
// override without recompiling.
type Tunables struct {
	// Transition holds the tick-scheduling bounds described in the
	// Transition Layer design (section 4.6): ticks are clamped into
	// [TickMin, TickMax] and chosen to target roughly TargetSamples ticks
	// over a transition's duration.
	Transition struct {
		TickMinMillis   int64 `toml:"tick_min_millis"`
		TickMaxMillis   int64 `toml:"tick_max_millis"`
		TargetSamples   int   `toml:"target_samples"`
	} `toml:"transition"`

	// Pairing holds the default suppression epsilon used when a pairing
	// does not specify its own.
	Pairing struct {
		DefaultEpsilon float64 `toml:"default_epsilon"`
	} `toml:"pairing"`

	// Executor holds the default production worker-pool size.
	Executor struct {
		Workers int `toml:"workers"`
	} `toml:"executor"`

	// Resource holds the ResourceLink lazy-cache capacity.
	Resource struct {
		LinkCacheCapacity int `toml:"link_cache_capacity"`
	} `toml:"resource"`
}

// Default returns the hardcoded tunable set used when no TOML overlay is
// supplied.
func Default() Tunables {
	var t Tunables
	t.Transition.TickMinMillis = 50
	t.Transition.TickMaxMillis = 1000
	t.Transition.TargetSamples = 1000
	t.Pairing.DefaultEpsilon = 1e-4
	t.Executor.Workers = 4
	t.Resource.LinkCacheCapacity = 4096
	return t
}

// LoadOverlay reads a TOML file at path and overlays its fields onto
// Default(), leaving any field absent from the file at its default value.
func LoadOverlay(path string) (Tunables, error) {
	t := Default()
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Tunables{}, err
	}
	return t, nil
}
