package ast

import (
	"testing"

	"flowvm/diag"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func parseOK(t *testing.T, src string) *Unit {
	t.Helper()
	sink := diag.NewBag()
	unit, err := Parse("test.flow", []byte(src), nil, nil, sink)
	assert(t, err == nil, "unexpected parse error: %v", err)
	return unit
}

func TestParseSimpleHandler(t *testing.T) {
	unit := parseOK(t, `
handler main {
  var x = 1;
}`)
	assert(t, len(unit.Handlers) == 1, "expected 1 handler, got %d", len(unit.Handlers))
	sym := unit.Arena.Symbol(unit.Handlers[0])
	assert(t, sym.Name == "main", "expected handler named main, got %q", sym.Name)
}

func TestUndeclaredIdentifierIsTypeError(t *testing.T) {
	sink := diag.NewBag()
	_, err := Parse("test.flow", []byte(`
handler main {
  var x = y;
}`), nil, nil, sink)
	assert(t, err != nil, "expected a type error for undeclared identifier")
}

func TestRecursiveHandlerCallIsRejected(t *testing.T) {
	sink := diag.NewBag()
	_, err := Parse("test.flow", []byte(`
handler a {
  a();
}`), nil, nil, sink)
	assert(t, err != nil, "expected recursive self-call to be rejected")
}

func TestMutualRecursionIsRejected(t *testing.T) {
	sink := diag.NewBag()
	_, err := Parse("test.flow", []byte(`
handler a {
  b();
}
handler b {
  a();
}`), nil, nil, sink)
	assert(t, err != nil, "expected mutual recursion between handlers to be rejected")
}

func TestCaptureRefParsesAsRegexGroupUnary(t *testing.T) {
	unit := parseOK(t, `
handler main {
  var x = $1;
}`)
	sym := unit.Arena.Symbol(unit.Handlers[0])
	body := sym.Body.(*Compound)
	assign, ok := body.Stmts[0].(*Assign)
	assert(t, ok, "expected first statement to be an Assign, got %T", body.Stmts[0])
	un, ok := assign.Value.(*Unary)
	assert(t, ok, "expected $1 to parse as a Unary, got %T", assign.Value)
	assert(t, un.Op == OpRegexGroup, "expected OpRegexGroup, got %v", un.Op)
	assert(t, un.ResultType().String() == "string", "expected $1's result type to be string, got %s", un.ResultType())
}

func TestMatchStatementCaseLabelsMustBeConstant(t *testing.T) {
	sink := diag.NewBag()
	_, err := Parse("test.flow", []byte(`
handler main {
  var x = "a";
  match x {
    on x { var y = 1; }
  }
}`), nil, nil, sink)
	assert(t, err != nil, "expected non-constant match case label to be rejected")
}

func TestSuperfluousArgumentIsTypeError(t *testing.T) {
	sink := diag.NewBag()
	_, err := Parse("test.flow", []byte(`
handler a {
}
handler main {
  a(1);
}`), nil, nil, sink)
	assert(t, err != nil, "expected superfluous call argument to be rejected")
}
