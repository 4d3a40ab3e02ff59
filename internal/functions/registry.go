// Package functions implements the plugin registry that backs Function and
// FunctionChoice conversation items: a static (module, function) -> callback
// mapping published as a capability interface injected at engine
// construction, in place of the original implementation's dynamic module
// loading (spec.md §9).
package functions

import "fmt"

// SessionHandle is the telephony session passed to plugin callbacks. It is
// an opaque `any` here because the engine package cannot import telephony
// without a cycle; callers type-assert to their concrete session type.
type SessionHandle any

// Callback is a plugin side effect or sub-path selector. It receives the
// engine's current extracted information (title -> value, nil if
// unextracted) and the session handle, and returns either an utterance
// (Function) or an option key (FunctionChoice).
type Callback func(info map[string]*string, session SessionHandle) (string, error)

// Registry is a generic string-keyed dispatcher, grounded on the teacher's
// internal/pipeline/router.go Router[T], specialised to plugin callbacks
// instead of backend clients.
type Registry struct {
	callbacks map[string]Callback
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[string]Callback)}
}

// key joins module and function the way the original dotted import path did.
func key(module, function string) string {
	return module + "." + function
}

// Register adds a callback under (module, function).
func (r *Registry) Register(module, function string, cb Callback) {
	r.callbacks[key(module, function)] = cb
}

// Call dispatches to the registered callback, or returns an error if none is
// registered for (module, function).
func (r *Registry) Call(module, function string, info map[string]*string, session SessionHandle) (string, error) {
	cb, ok := r.callbacks[key(module, function)]
	if !ok {
		return "", fmt.Errorf("functions: no callback registered for %s.%s", module, function)
	}
	return cb(info, session)
}
