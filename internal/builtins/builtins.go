package builtins

import (
	"flowvm/runtime"
	"flowvm/value"
	"flowvm/vm"
)

func contextOf(p *vm.Params) *Context {
	ctx, _ := p.Runner().Userdata().(*Context)
	if ctx == nil {
		ctx = &Context{}
	}
	return ctx
}

// Pass is the native handler of spec.md §8 scenario 1/2: it takes no
// arguments and unconditionally reports handled.
func Pass() runtime.NativeCallback {
	return runtime.NativeCallback{
		Signature: value.Signature{Name: "pass", Return: value.Boolean},
		Fn: func(p *vm.Params) error {
			p.SetResult(value.Bool(true))
			return nil
		},
	}
}

func matchHandler(name, label string) runtime.NativeCallback {
	return runtime.NativeCallback{
		Signature: value.Signature{Name: name, Return: value.Boolean},
		Fn: func(p *vm.Params) error {
			contextOf(p).Matched = label
			p.SetResult(value.Bool(true))
			return nil
		},
	}
}

// AHandler, BHandler, and DefaultHandler back spec.md §8 scenario 3's
// match-on-head dispatch.
func AHandler() runtime.NativeCallback       { return matchHandler("a_handler", "a") }
func BHandler() runtime.NativeCallback       { return matchHandler("b_handler", "b") }
func DefaultHandler() runtime.NativeCallback { return matchHandler("default_handler", "default") }

// ReqPath stands in for the req.path property of spec.md §8 scenarios 3-4
// (see Context.Path's doc comment for why it is a function, not a dotted
// identifier).
func ReqPath() runtime.NativeCallback {
	return runtime.NativeCallback{
		Signature: value.Signature{Name: "req_path", Return: value.String},
		Fn: func(p *vm.Params) error {
			ctx := contextOf(p)
			p.SetResult(value.Str(p.NewString(ctx.Path)))
			return nil
		},
	}
}

// ShowUser is the single-argument native function of spec.md §8 scenario
// 4, invoked with the first capture group of a successful =~ match.
func ShowUser() runtime.NativeCallback {
	return runtime.NativeCallback{
		Signature: value.Signature{Name: "show_user", Return: value.Void, Params: []value.Kind{value.String}},
		ParamNames: []string{"id"},
		Fn: func(p *vm.Params) error {
			contextOf(p).Shown = p.GetString(0)
			return nil
		},
	}
}

// AsyncLookup is the suspend/resume native function of spec.md §8
// scenario 5. It takes no VM-stack argument, since a CALL that suspends is
// re-executed from the same opcode on Resume (see Runner.execCall's pc--
// rewind) and would otherwise re-pop arguments already consumed by the
// first attempt. Until Context.Complete supplies a result it suspends the
// Runner; the re-executed call after Complete returns that result.
func AsyncLookup() runtime.NativeCallback {
	return runtime.NativeCallback{
		Signature: value.Signature{Name: "async_lookup", Return: value.String},
		Fn: func(p *vm.Params) error {
			ctx := contextOf(p)
			result, ready := ctx.takeLookup()
			if !ready {
				p.Runner().Suspend()
				return nil
			}
			p.SetResult(value.Str(p.NewString(result)))
			return nil
		},
	}
}

// All returns every demo builtin, functions and handlers together, for
// callers that want the full set without going through a Manifest.
func All() []runtime.NativeCallback {
	return []runtime.NativeCallback{
		Pass(), AHandler(), BHandler(), DefaultHandler(),
		ReqPath(), ShowUser(), AsyncLookup(),
	}
}

var handlerNames = map[string]bool{
	"pass": true, "a_handler": true, "b_handler": true, "default_handler": true,
}

// Register adds every demo builtin in All to rt, routing each to
// RegisterHandler or RegisterFunction by name.
func Register(rt *runtime.Runtime) error {
	for _, cb := range All() {
		var err error
		if handlerNames[cb.Signature.Name] {
			err = rt.RegisterHandler(cb)
		} else {
			err = rt.RegisterFunction(cb)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
