package codegen_test

import (
	"strings"
	"testing"

	"flowvm/ast"
	"flowvm/codegen"
	"flowvm/diag"
	"flowvm/ir"
	"flowvm/vm"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func compileNoNatives(t *testing.T, src string) *vm.Program {
	t.Helper()
	sink := diag.NewBag()
	unit, err := ast.Parse("test.flow", []byte(src), nil, nil, sink)
	assert(t, err == nil, "parse: %v", err)
	prog, err := ir.Generate(unit)
	assert(t, err == nil, "generate IR: %v", err)
	ir.RunPasses(prog)
	return codegen.Generate(prog)
}

func TestGenerateLinearizesArithmeticHandler(t *testing.T) {
	const src = `
handler main {
  var x = 2;
  var y = 3;
  var ok = x + y == 5;
}`
	prog := compileNoNatives(t, src)
	h, ok := prog.FindHandler("main")
	assert(t, ok, "expected a main handler in the compiled Program")
	assert(t, len(h.Code) > 0, "expected non-empty compiled code")

	r, err := vm.NewRunner(prog, "main", nil, nil)
	assert(t, err == nil, "NewRunner: %v", err)
	_, err = r.Run()
	assert(t, err == nil, "unexpected fault running compiled handler: %v", err)
}

func TestGenerateStringHandler(t *testing.T) {
	const src = `
handler main {
  var s = "foo" + "bar";
  var ok = s == "foobar";
}`
	prog := compileNoNatives(t, src)
	r, err := vm.NewRunner(prog, "main", nil, nil)
	assert(t, err == nil, "NewRunner: %v", err)
	_, err = r.Run()
	assert(t, err == nil, "unexpected fault running compiled handler: %v", err)
}

func TestDisassembleListsEveryHandler(t *testing.T) {
	const src = `
handler main {
  var x = 1;
}
handler other {
  var y = 2;
}`
	prog := compileNoNatives(t, src)
	out := prog.Disassemble()
	assert(t, len(out) > 0, "expected non-empty disassembly")
	ok := strings.Contains(out, "handler main ")
	assert(t, ok, "expected main in disassembled program")
	ok = strings.Contains(out, "handler other ")
	assert(t, ok, "expected other in disassembled program")
}
