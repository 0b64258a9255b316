// Package runtime implements the host-provided native-function/native-
// handler registry described in spec.md §4.8, and wires it to the VM's
// NativeInvoker contract so CALL/HANDLER opcodes reach host code.
package runtime

import (
	"fmt"

	"flowvm/value"
	"flowvm/vm"
)

// Callback is a host-provided native implementation. It receives the VM's
// Params view (argument accessors, SetResult, and a handle back to the
// executing Runner for suspension) and returns an error only for failures
// the host wants surfaced as a VM fault; ordinary "not handled" results are
// expressed through SetResult/the handled out-argument, not an error.
type Callback func(*vm.Params) error

// NativeCallback bundles a Signature with its Go implementation and the
// named-argument metadata spec.md §4.8 requires: optional parameter names
// (for named-argument calls), optional defaults aligned with parameters,
// and a per-parameter sensitivity flag used by some target runtimes (kept
// here even though this Go VM has no analogue of "sensitive data redaction
// in generated target code" yet, since a host embedding this library may).
type NativeCallback struct {
	Signature  value.Signature
	ParamNames []string
	Defaults   []*value.Value // nil entry means "no default for this param"
	Sensitive  []bool
	Fn         Callback
}

// ImportHook is called once per `import` statement encountered while
// parsing. It may register further NativeCallbacks into the Runtime,
// visible as builtins for the rest of the parse; returning false fails the
// parse with a LinkError.
type ImportHook func(module, path string, rt *Runtime) bool

// Runtime is a registry of native functions and native handlers, keyed by
// name (Flow has no overloading: one signature per name, matching the
// teacher's taste for simple map-keyed lookups over an overload-resolution
// framework).
type Runtime struct {
	functions map[string]*NativeCallback
	handlers  map[string]*NativeCallback
	order     []*NativeCallback // registration order, for deterministic native-index assignment
}

func New() *Runtime {
	return &Runtime{
		functions: make(map[string]*NativeCallback),
		handlers:  make(map[string]*NativeCallback),
	}
}

// RegisterFunction adds a callable native function.
func (r *Runtime) RegisterFunction(cb NativeCallback) error {
	if _, exists := r.functions[cb.Signature.Name]; exists {
		return fmt.Errorf("runtime: function %q already registered", cb.Signature.Name)
	}
	nc := cb
	r.functions[cb.Signature.Name] = &nc
	r.order = append(r.order, &nc)
	return nil
}

// RegisterHandler adds a callable whose first out-slot is the handled flag.
func (r *Runtime) RegisterHandler(cb NativeCallback) error {
	if _, exists := r.handlers[cb.Signature.Name]; exists {
		return fmt.Errorf("runtime: handler %q already registered", cb.Signature.Name)
	}
	nc := cb
	r.handlers[cb.Signature.Name] = &nc
	r.order = append(r.order, &nc)
	return nil
}

// LookupFunction finds a registered native function by name.
func (r *Runtime) LookupFunction(name string) (*NativeCallback, bool) {
	cb, ok := r.functions[name]
	return cb, ok
}

// LookupHandler finds a registered native handler by name.
func (r *Runtime) LookupHandler(name string) (*NativeCallback, bool) {
	cb, ok := r.handlers[name]
	return cb, ok
}

// Functions returns every registered native function, for the parser's
// builtin-symbol-table population.
func (r *Runtime) Functions() map[string]*NativeCallback { return r.functions }

// Handlers returns every registered native handler.
func (r *Runtime) Handlers() map[string]*NativeCallback { return r.handlers }
