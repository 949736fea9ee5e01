package capability

import (
	"fmt"
	"sort"
)

// Binding pairs a capability with its error classifier.
type Binding struct {
	Capability Capability
	Classify   Classifier
}

// Registry is the fixed name -> capability table, resolved once at startup.
// It is not safe for concurrent registration; register everything before
// handing it to the executor.
type Registry struct {
	bindings map[string]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register binds a capability under its own name. A nil classifier falls back
// to DefaultClassifier. Duplicate registrations are a wiring bug and are
// rejected.
func (r *Registry) Register(c Capability, classify Classifier) error {
	if c == nil {
		return fmt.Errorf("capability is nil")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("capability has empty name")
	}
	if _, exists := r.bindings[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	r.bindings[name] = Binding{Capability: c, Classify: classify}
	return nil
}

// Lookup returns the binding for name.
func (r *Registry) Lookup(name string) (Binding, bool) {
	b, ok := r.bindings[name]
	return b, ok
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.bindings))
	for n := range r.bindings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
