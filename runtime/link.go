package runtime

import (
	"fmt"

	"flowvm/vm"
)

// Linker binds a compiled vm.Program's native-signature references to this
// Runtime's callbacks, and implements vm.NativeInvoker so a vm.Runner can
// reach them. Link must succeed (no unresolved native reference) before a
// Program is executable; an unresolved reference is a LinkError per
// spec.md §7.
type Linker struct {
	rt      *Runtime
	program *vm.Program
	fns     []*NativeCallback
}

// Link resolves every NativeRef in program against rt, returning a Linker
// ready to drive vm.Runners, or a LinkError naming the first unresolved
// reference.
func Link(rt *Runtime, program *vm.Program) (*Linker, error) {
	fns := make([]*NativeCallback, len(program.Natives))
	for i, ref := range program.Natives {
		var cb *NativeCallback
		var ok bool
		if ref.IsHandler {
			cb, ok = rt.LookupHandler(ref.Signature.Name)
		} else {
			cb, ok = rt.LookupFunction(ref.Signature.Name)
		}
		if !ok {
			return nil, fmt.Errorf("runtime: link error: unresolved native %q", ref.Signature.Name)
		}
		if !cb.Signature.Equal(ref.Signature) {
			return nil, fmt.Errorf("runtime: link error: signature mismatch for %q: program wants %s, runtime has %s",
				ref.Signature.Name, ref.Signature, cb.Signature)
		}
		fns[i] = cb
	}
	return &Linker{rt: rt, program: program, fns: fns}, nil
}

// CallFunction implements vm.NativeInvoker.
func (l *Linker) CallFunction(idx int, p *vm.Params) error {
	return l.fns[idx].Fn(p)
}

// CallHandler implements vm.NativeInvoker. The handled flag is read back
// from Params' return slot (slot 0), which native handler implementations
// set via SetResult(value.Bool(...)).
func (l *Linker) CallHandler(idx int, p *vm.Params) (bool, error) {
	if err := l.fns[idx].Fn(p); err != nil {
		return false, err
	}
	return p.Result().Bool(), nil
}

// NewRunner is a convenience wrapper around vm.NewRunner that wires this
// Linker in as the Runner's NativeInvoker.
func (l *Linker) NewRunner(handlerName string, userdata any) (*vm.Runner, error) {
	return vm.NewRunner(l.program, handlerName, userdata, l)
}
