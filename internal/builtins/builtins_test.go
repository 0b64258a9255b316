package builtins

import (
	"testing"

	"flowvm/runtime"
	"flowvm/value"
	"flowvm/vm"
)

func TestRegisterAddsEveryBuiltin(t *testing.T) {
	rt := runtime.New()
	if err := Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for name := range handlerNames {
		if _, ok := rt.LookupHandler(name); !ok {
			t.Errorf("handler %q not registered", name)
		}
	}
	for _, name := range []string{"req_path", "show_user", "async_lookup"} {
		if _, ok := rt.LookupFunction(name); !ok {
			t.Errorf("function %q not registered", name)
		}
	}
}

func newParamsFor(t *testing.T, cb runtime.NativeCallback, ctx *Context, args ...value.Value) *vm.Params {
	t.Helper()
	rt := runtime.New()
	var regErr error
	if handlerNames[cb.Signature.Name] {
		regErr = rt.RegisterHandler(cb)
	} else {
		regErr = rt.RegisterFunction(cb)
	}
	if regErr != nil {
		t.Fatalf("registering %q: %v", cb.Signature.Name, regErr)
	}
	prog := vm.NewProgram()
	prog.AddNative(cb.Signature, handlerNames[cb.Signature.Name])
	prog.AddHandler(vm.Handler{Name: "main", StackSize: 8, Code: nil})
	linker, err := runtime.Link(rt, prog)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	runner, err := linker.NewRunner("main", ctx)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return vm.NewParamsForTest(runner, args)
}

func TestReqPathReturnsContextValue(t *testing.T) {
	ctx := &Context{Path: "/b/x"}
	p := newParamsFor(t, ReqPath(), ctx)
	if err := ReqPath().Fn(p); err != nil {
		t.Fatalf("req_path: %v", err)
	}
	if got := p.Result().Str; got != "/b/x" {
		t.Errorf("req_path() = %q, want /b/x", got)
	}
}

func TestShowUserRecordsArgument(t *testing.T) {
	ctx := &Context{}
	p := newParamsFor(t, ShowUser(), ctx, value.Str("42"))
	if err := ShowUser().Fn(p); err != nil {
		t.Fatalf("show_user: %v", err)
	}
	if ctx.Shown != "42" {
		t.Errorf("ctx.Shown = %q, want 42", ctx.Shown)
	}
}

func TestAsyncLookupSuspendsThenResolves(t *testing.T) {
	ctx := &Context{}
	p := newParamsFor(t, AsyncLookup(), ctx)

	if err := AsyncLookup().Fn(p); err != nil {
		t.Fatalf("async_lookup: %v", err)
	}
	if !p.Runner().SuspendRequested() {
		t.Fatalf("expected async_lookup to request suspension")
	}

	ctx.Complete("ok")
	p2 := newParamsFor(t, AsyncLookup(), ctx)
	if err := AsyncLookup().Fn(p2); err != nil {
		t.Fatalf("async_lookup (resumed): %v", err)
	}
	if got := p2.Result().Str; got != "ok" {
		t.Errorf("async_lookup() = %q, want ok", got)
	}
}

func TestMatchHandlersRecordLabel(t *testing.T) {
	cases := []struct {
		cb    runtime.NativeCallback
		label string
	}{
		{AHandler(), "a"},
		{BHandler(), "b"},
		{DefaultHandler(), "default"},
	}
	for _, c := range cases {
		ctx := &Context{}
		p := newParamsFor(t, c.cb, ctx)
		if err := c.cb.Fn(p); err != nil {
			t.Fatalf("%s: %v", c.cb.Signature.Name, err)
		}
		if ctx.Matched != c.label {
			t.Errorf("%s: ctx.Matched = %q, want %q", c.cb.Signature.Name, ctx.Matched, c.label)
		}
		if !p.Result().Bool() {
			t.Errorf("%s: result = false, want true", c.cb.Signature.Name)
		}
	}
}
