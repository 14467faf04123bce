package trait

// Registry merges the property/method vtables of a set of registered
// Traits into one dispatch table, the way a Thing assembles the traits it
// hosts. It performs no locking of its own: the owning Thing serializes
// access to it under its own mutex.
type Registry struct {
	traits     map[string]Trait
	properties map[PropertyKey]PropertyHooks
	methods    map[MethodKey]MethodHooks
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		traits:     map[string]Trait{},
		properties: map[PropertyKey]PropertyHooks{},
		methods:    map[MethodKey]MethodHooks{},
	}
}

// Register adds t's properties and methods to the dispatch table. Later
// registrations of the same trait short id replace the earlier one.
func (r *Registry) Register(t Trait) {
	r.traits[t.ShortID()] = t
	for k, h := range t.Properties() {
		r.properties[k] = h
	}
	for k, h := range t.Methods() {
		r.methods[k] = h
	}
}

// Unregister removes a previously registered trait and its properties and
// methods from the dispatch table.
func (r *Registry) Unregister(shortID string) {
	t, ok := r.traits[shortID]
	if !ok {
		return
	}
	for k := range t.Properties() {
		delete(r.properties, k)
	}
	for k := range t.Methods() {
		delete(r.methods, k)
	}
	delete(r.traits, shortID)
}

// Trait looks up a registered trait by short id.
func (r *Registry) Trait(shortID string) (Trait, bool) {
	t, ok := r.traits[shortID]
	return t, ok
}

// Traits returns every currently registered trait, for callers (child
// enumeration, snapshot assembly) that need to walk the full set rather
// than look up one by id.
func (r *Registry) Traits() map[string]Trait {
	out := make(map[string]Trait, len(r.traits))
	for k, v := range r.traits {
		out[k] = v
	}
	return out
}

// Property looks up the hooks for a property key.
func (r *Registry) Property(key PropertyKey) (PropertyHooks, bool) {
	h, ok := r.properties[key]
	return h, ok
}

// Method looks up the hooks for a method key.
func (r *Registry) Method(key MethodKey) (MethodHooks, bool) {
	h, ok := r.methods[key]
	return h, ok
}

// PropertiesInSection returns every registered property key in the given
// section, for fetch_section.
func (r *Registry) PropertiesInSection(s Section) []PropertyKey {
	var keys []PropertyKey
	for k := range r.properties {
		if k.Section == s {
			keys = append(keys, k)
		}
	}
	return keys
}
